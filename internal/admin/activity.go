// ABOUTME: Operator views over delegation requests and the audit log
// ABOUTME: Also mints consent-page sessions for sites without their own login integration

package admin

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/2389/agentready-gateway/internal/store"
)

const (
	// DefaultSessionTTL is the lifetime of an operator-minted consent session.
	DefaultSessionTTL = time.Hour

	// MaxSessionTTL bounds operator-minted consent sessions.
	MaxSessionTTL = 7 * 24 * time.Hour
)

// DelegationQuery selects delegation requests to list.
type DelegationQuery struct {
	UserID       string
	AgentTokenID string
	Status       store.DelegationStatus
	Limit        int
}

// ListDelegations returns delegation requests matching q, newest first.
func (s *Service) ListDelegations(ctx context.Context, q DelegationQuery) ([]*store.DelegationRequest, error) {
	f := store.DelegationFilter{Limit: q.Limit}
	if q.UserID != "" {
		f.UserID = &q.UserID
	}
	if q.AgentTokenID != "" {
		f.AgentTokenID = &q.AgentTokenID
	}
	if q.Status != "" {
		switch q.Status {
		case store.DelegationPending, store.DelegationConsented, store.DelegationDenied,
			store.DelegationExpired, store.DelegationExchanged:
		default:
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, q.Status)
		}
		f.Status = &q.Status
	}
	requests, err := s.store.ListDelegations(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing delegations: %w", err)
	}
	return requests, nil
}

// AuditQuery selects audit entries to list.
type AuditQuery struct {
	Since    time.Duration // entries newer than now-Since; 0 means no lower bound
	Actor    string
	Action   store.AuditAction
	TargetID string
	Limit    int
}

// ListAudit returns audit entries matching q, newest first.
func (s *Service) ListAudit(ctx context.Context, q AuditQuery) ([]store.AuditEntry, error) {
	f := store.AuditFilter{Limit: q.Limit}
	if q.Since > 0 {
		since := s.now().UTC().Add(-q.Since)
		f.Since = &since
	}
	if q.Actor != "" {
		f.Actor = &q.Actor
	}
	if q.Action != "" {
		if !slices.Contains(store.ValidAuditActions, q.Action) {
			return nil, fmt.Errorf("%w: unknown audit action %q", ErrInvalidArgument, q.Action)
		}
		f.Action = &q.Action
	}
	if q.TargetID != "" {
		f.TargetID = &q.TargetID
	}
	entries, err := s.store.ListAuditLog(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	return entries, nil
}

// Session is a consent-page session token for one user.
type Session struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// CreateSession mints a session token that identifies userID on the consent page.
// A non-positive ttl selects DefaultSessionTTL.
func (s *Service) CreateSession(ctx context.Context, operator, userID string, ttl time.Duration) (*Session, error) {
	if s.sessions == nil {
		return nil, fmt.Errorf("%w: no session secret configured", ErrInvalidArgument)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if ttl > MaxSessionTTL {
		return nil, fmt.Errorf("%w: ttl exceeds maximum of %s", ErrInvalidArgument, MaxSessionTTL)
	}

	token, err := s.sessions.Generate(userID, ttl)
	if err != nil {
		return nil, fmt.Errorf("generating session: %w", err)
	}
	expiresAt := s.now().Add(ttl).UTC()

	if err := s.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      operatorActor(operator),
		Action:     store.AuditCreateSession,
		TargetType: "user",
		TargetID:   userID,
		Detail:     map[string]any{"ttl_seconds": int64(ttl.Seconds()), "expires_at": expiresAt.Format(time.RFC3339)},
	}); err != nil {
		s.logger.Error("failed to append audit log", "action", store.AuditCreateSession, "error", err)
	}
	return &Session{UserID: userID, Token: token, ExpiresAt: expiresAt}, nil
}
