// ABOUTME: Challenge issuance and single-use consumption of proof nonces
// ABOUTME: Nonces are 256-bit random values persisted through store.NonceStore

package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/2389/agentready-gateway/internal/store"
)

const (
	// DefaultTTL is how long an issued nonce stays redeemable.
	DefaultTTL = 5 * time.Minute

	// Size is the number of random bytes in a nonce.
	Size = 32
)

// Challenge is returned to an agent that asked for a nonce.
type Challenge struct {
	Nonce         string    `json:"nonce"`
	TokenEndpoint string    `json:"tokenEndpoint"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Issuer issues and consumes nonces.
type Issuer struct {
	store         store.NonceStore
	tokenEndpoint string
	ttl           time.Duration
	logger        *slog.Logger

	now    func() time.Time
	random io.Reader
}

// NewIssuer creates an Issuer. tokenEndpoint is the absolute URL the proof must be
// posted to; a non-positive ttl selects DefaultTTL.
func NewIssuer(s store.NonceStore, tokenEndpoint string, ttl time.Duration, logger *slog.Logger) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		store:         s,
		tokenEndpoint: tokenEndpoint,
		ttl:           ttl,
		logger:        logger.With("component", "nonce"),
		now:           time.Now,
		random:        rand.Reader,
	}
}

// SetClock replaces the time source. Used by tests.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

// Issue generates and records a fresh nonce.
func (i *Issuer) Issue(ctx context.Context) (*Challenge, error) {
	buf := make([]byte, Size)
	if _, err := io.ReadFull(i.random, buf); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	now := i.now().UTC()
	n := &store.Nonce{
		Value:     base64.RawURLEncoding.EncodeToString(buf),
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}
	if err := i.store.SaveNonce(ctx, n); err != nil {
		return nil, fmt.Errorf("saving nonce: %w", err)
	}

	return &Challenge{
		Nonce:         n.Value,
		TokenEndpoint: i.tokenEndpoint,
		ExpiresAt:     n.ExpiresAt,
	}, nil
}

// Consume burns the nonce and reports whether it was redeemable. Only the first
// call for an issued, unexpired nonce ever returns store.NonceValid.
func (i *Issuer) Consume(ctx context.Context, value string) (store.NonceState, error) {
	if value == "" {
		return store.NonceUnknown, nil
	}

	state, err := i.store.ConsumeNonce(ctx, value, i.now().UTC())
	if err != nil {
		return store.NonceUnknown, fmt.Errorf("consuming nonce: %w", err)
	}
	if state != store.NonceValid {
		i.logger.Debug("nonce rejected", "state", state)
	}
	return state, nil
}

// ErrRejected is wrapped by Check for any state other than store.NonceValid.
var ErrRejected = errors.New("nonce rejected")

// Check consumes the nonce and returns ErrRejected unless it was valid.
func (i *Issuer) Check(ctx context.Context, value string) error {
	state, err := i.Consume(ctx, value)
	if err != nil {
		return err
	}
	if state != store.NonceValid {
		return fmt.Errorf("%w: %s", ErrRejected, state)
	}
	return nil
}
