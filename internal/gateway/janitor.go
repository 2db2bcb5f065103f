// ABOUTME: Background janitor that purges expired nonces, tokens and delegation requests
// ABOUTME: Also sweeps idle in-memory rate limit state on the same tick

package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/agentready-gateway/internal/store"
)

// Sweeper drops idle in-memory state and reports how much it removed.
type Sweeper interface {
	Sweep() int
}

// PurgeStore is the part of the store the janitor cleans.
type PurgeStore interface {
	PurgeNonces(ctx context.Context, now time.Time) (int, error)
	PurgeTokens(ctx context.Context, now time.Time) (int, error)
	PurgeDelegations(ctx context.Context, before time.Time) (int, error)
}

// JanitorConfig wires a Janitor.
type JanitorConfig struct {
	Store    PurgeStore
	Sweepers []Sweeper

	// Interval between runs. Defaults to one minute.
	Interval time.Duration

	// Retention keeps expired tokens and delegation requests around for this long
	// so they can still be inspected by operators. Nonces are dropped on expiry.
	Retention time.Duration

	Logger *slog.Logger
}

// PurgeResult counts what one janitor run removed.
type PurgeResult struct {
	Nonces      int
	Tokens      int
	Delegations int
	Swept       int
}

// Janitor periodically removes expired records.
type Janitor struct {
	store     PurgeStore
	sweepers  []Sweeper
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewJanitor creates a Janitor.
func NewJanitor(cfg JanitorConfig) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Retention < 0 {
		cfg.Retention = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Janitor{
		store:     cfg.Store,
		sweepers:  cfg.Sweepers,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		logger:    cfg.Logger.With("component", "janitor"),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (j *Janitor) SetClock(now func() time.Time) {
	j.now = now
}

// Run purges on every tick until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single purge. Failures are logged and the remaining steps still run.
func (j *Janitor) RunOnce(ctx context.Context) PurgeResult {
	now := j.now().UTC()
	cutoff := now.Add(-j.retention)

	var res PurgeResult
	var err error

	if res.Nonces, err = j.store.PurgeNonces(ctx, now); err != nil {
		j.logger.Error("failed to purge nonces", "error", err)
	}
	if res.Tokens, err = j.store.PurgeTokens(ctx, cutoff); err != nil {
		j.logger.Error("failed to purge tokens", "error", err)
	}
	if res.Delegations, err = j.store.PurgeDelegations(ctx, cutoff); err != nil {
		j.logger.Error("failed to purge delegation requests", "error", err)
	}
	for _, s := range j.sweepers {
		res.Swept += s.Sweep()
	}

	if res.Nonces+res.Tokens+res.Delegations > 0 {
		j.logger.Info("purged expired records",
			"nonces", res.Nonces,
			"tokens", res.Tokens,
			"delegations", res.Delegations,
		)
	}
	return res
}

var _ PurgeStore = (store.Store)(nil)
