// ABOUTME: Client side of the user delegation flow
// ABOUTME: Requests delegation, polls for the user's decision and exchanges the code for a user token

package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/2389/agentready-gateway/internal/delegation"
	"github.com/2389/agentready-gateway/internal/discovery"
	"github.com/2389/agentready-gateway/internal/store"
)

// DefaultPollInterval is how often WaitForDecision checks the request status.
const DefaultPollInterval = 2 * time.Second

// RequestDelegation parks a request for the user to consent to.
func (c *Client) RequestDelegation(ctx context.Context, in delegation.Input) (*delegation.Summary, error) {
	var s delegation.Summary
	if err := c.authorized(ctx, http.MethodPost, c.baseURL+discovery.DelegatePath, in, "", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DelegationStatus reports the current state of a request this agent made.
func (c *Client) DelegationStatus(ctx context.Context, id string) (*delegation.Summary, error) {
	var s delegation.Summary
	u := c.baseURL + discovery.DelegatePath + "/" + url.PathEscape(id)
	if err := c.authorized(ctx, http.MethodGet, u, nil, "", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// WaitForDecision polls until the request leaves pending_user_consent or ctx ends.
// A non-positive interval selects DefaultPollInterval.
func (c *Client) WaitForDecision(ctx context.Context, id string, interval time.Duration) (*delegation.Summary, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s, err := c.DelegationStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Status != store.DelegationPending {
			return s, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for user decision: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Exchange trades the authorization code for a user token.
func (c *Client) Exchange(ctx context.Context, in delegation.ExchangeInput) (*delegation.UserToken, error) {
	var t delegation.UserToken
	if err := c.authorized(ctx, http.MethodPost, c.baseURL+discovery.ExchangePath, in, "", &t); err != nil {
		return nil, err
	}
	return &t, nil
}
