// ABOUTME: Webhook notifier that tells an agent the user has decided
// ABOUTME: POSTs the decision to the request's callback URL in the background with retries

package consent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/agentready-gateway/internal/delegation"
)

const (
	// DefaultWebhookTimeout bounds a single delivery attempt.
	DefaultWebhookTimeout = 10 * time.Second

	// DefaultWebhookAttempts is how many times a delivery is tried.
	DefaultWebhookAttempts = 3
)

// WebhookNotifier implements delegation.Notifier over HTTP.
type WebhookNotifier struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewWebhookNotifier creates a notifier. A nil client uses one with timeout.
func NewWebhookNotifier(client *http.Client, timeout time.Duration, attempts int, logger *slog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if attempts <= 0 {
		attempts = DefaultWebhookAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		client:   client,
		attempts: attempts,
		backoff:  time.Second,
		logger:   logger.With("component", "webhook"),
	}
}

// Notify delivers d asynchronously. It never blocks on the network and outlives
// the caller's request context.
func (n *WebhookNotifier) Notify(ctx context.Context, callbackURL string, d delegation.Decision) {
	body, err := json.Marshal(d)
	if err != nil {
		n.logger.Error("failed to encode decision", "error", err)
		return
	}

	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(ctx, callbackURL, d.RequestID, body)
	}()
}

func (n *WebhookNotifier) deliver(ctx context.Context, callbackURL, id string, body []byte) {
	backoff := n.backoff
	for attempt := 1; attempt <= n.attempts; attempt++ {
		err := n.post(ctx, callbackURL, body)
		if err == nil {
			n.logger.Debug("webhook delivered", "id", id, "attempt", attempt)
			return
		}
		n.logger.Warn("webhook delivery failed", "id", id, "attempt", attempt, "error", err)
		if attempt < n.attempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	n.logger.Error("webhook abandoned", "id", id, "url", callbackURL)
}

func (n *WebhookNotifier) post(ctx context.Context, callbackURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "agentready-gateway")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %s", resp.Status)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish. Called on shutdown.
func (n *WebhookNotifier) Wait() {
	n.wg.Wait()
}
