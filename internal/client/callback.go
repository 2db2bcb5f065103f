// ABOUTME: Agent-side receiver for consent webhooks carrying the user's decision
// ABOUTME: Drops retried deliveries and hands each decision to the goroutine waiting for it

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/agentready-gateway/internal/dedupe"
	"github.com/2389/agentready-gateway/internal/delegation"
)

const (
	// callbackMemory is how long a delivered request id is remembered.
	callbackMemory = time.Hour
	// callbackMaxTracked bounds remembered ids and parked decisions.
	callbackMaxTracked = 1024
	callbackMaxBody    = 64 << 10
)

// CallbackReceiver is an http.Handler for the callback_url of delegation requests.
// The site retries deliveries, so only the first decision per request is kept.
type CallbackReceiver struct {
	seen   *dedupe.Cache
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan delegation.Decision
	parked  map[string]delegation.Decision // arrived before Wait
}

// NewCallbackReceiver creates a receiver. A nil logger discards output.
func NewCallbackReceiver(logger *slog.Logger) *CallbackReceiver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CallbackReceiver{
		seen:    dedupe.New(callbackMemory, callbackMaxTracked),
		logger:  logger.With("component", "consent-callback"),
		waiters: make(map[string]chan delegation.Decision),
		parked:  make(map[string]delegation.Decision),
	}
}

func (r *CallbackReceiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var d delegation.Decision
	if err := json.NewDecoder(io.LimitReader(req.Body, callbackMaxBody)).Decode(&d); err != nil || d.RequestID == "" {
		http.Error(w, "malformed decision", http.StatusBadRequest)
		return
	}

	if r.seen.Seen(d.RequestID) {
		r.logger.Debug("duplicate delivery ignored", "id", d.RequestID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	r.mu.Lock()
	if ch, ok := r.waiters[d.RequestID]; ok {
		delete(r.waiters, d.RequestID)
		ch <- d
	} else if len(r.parked) < callbackMaxTracked {
		r.parked[d.RequestID] = d
	} else {
		r.logger.Warn("dropping decision, too many unclaimed", "id", d.RequestID)
	}
	r.mu.Unlock()

	r.logger.Info("decision received", "id", d.RequestID, "status", d.Status)
	w.WriteHeader(http.StatusNoContent)
}

// Wait blocks until the decision for requestID is delivered or ctx is done.
func (r *CallbackReceiver) Wait(ctx context.Context, requestID string) (delegation.Decision, error) {
	r.mu.Lock()
	if d, ok := r.parked[requestID]; ok {
		delete(r.parked, requestID)
		r.mu.Unlock()
		return d, nil
	}
	ch := make(chan delegation.Decision, 1)
	r.waiters[requestID] = ch
	r.mu.Unlock()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.waiters, requestID)
		r.mu.Unlock()
		return delegation.Decision{}, fmt.Errorf("waiting for consent callback: %w", ctx.Err())
	}
}
