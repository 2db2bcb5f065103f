// ABOUTME: Operator service for inspecting and revoking issued tokens
// ABOUTME: Backs the agentready-admin CLI, which works directly against the gateway store

package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/agentready-gateway/internal/store"
)

// ErrNotFound is returned when the target of an operator action does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidArgument is returned for malformed operator input.
var ErrInvalidArgument = errors.New("invalid argument")

// Store is the part of the gateway store the operator service uses.
type Store interface {
	store.TokenStore
	store.DelegationStore
	store.AuditStore
}

// SessionIssuer mints consent-page session tokens.
type SessionIssuer interface {
	Generate(subject string, ttl time.Duration) (string, error)
}

// Service performs operator actions. Every mutation is audited with the
// operator's name as actor.
type Service struct {
	store    Store
	sessions SessionIssuer
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a Service. sessions may be nil when no session secret is
// configured, in which case CreateSession fails.
func NewService(s Store, sessions SessionIssuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		sessions: sessions,
		logger:   logger.With("component", "admin"),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// operatorActor prefixes operator names so audit entries cannot be confused with agent ids.
func operatorActor(name string) string {
	if name == "" {
		name = "unknown"
	}
	return "operator:" + name
}

// TokenQuery selects tokens to list.
type TokenQuery struct {
	Kind           store.TokenKind // empty lists both kinds
	Subject        string
	ParentID       string
	IncludeRevoked bool
	Limit          int
}

// ListTokens returns token records matching q, newest first.
func (s *Service) ListTokens(ctx context.Context, q TokenQuery) ([]*store.TokenRecord, error) {
	f := store.TokenFilter{IncludeRevoked: q.IncludeRevoked, Limit: q.Limit}
	if q.Kind != "" {
		if q.Kind != store.TokenKindAgent && q.Kind != store.TokenKindUser {
			return nil, fmt.Errorf("%w: kind must be agent or user, got %q", ErrInvalidArgument, q.Kind)
		}
		f.Kind = &q.Kind
	}
	if q.Subject != "" {
		f.Subject = &q.Subject
	}
	if q.ParentID != "" {
		f.ParentID = &q.ParentID
	}
	tokens, err := s.store.ListTokens(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	return tokens, nil
}

// RevokeToken revokes a token and everything delegated from it. Returns the
// number of records newly revoked; zero means it was already revoked.
func (s *Service) RevokeToken(ctx context.Context, operator, id string) (int, error) {
	if id == "" {
		return 0, fmt.Errorf("%w: token id is required", ErrInvalidArgument)
	}
	rec, err := s.store.GetToken(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("token %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("looking up token: %w", err)
	}

	n, err := s.store.RevokeToken(ctx, id, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("revoking token: %w", err)
	}

	if err := s.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      operatorActor(operator),
		Action:     store.AuditRevokeToken,
		TargetType: "token",
		TargetID:   id,
		Detail:     map[string]any{"kind": string(rec.Kind), "subject": rec.Subject, "revoked": n},
	}); err != nil {
		s.logger.Error("failed to append audit log", "action", store.AuditRevokeToken, "error", err)
	}
	s.logger.Info("token revoked by operator", "operator", operator, "token_id", id, "revoked", n)
	return n, nil
}

// RevokeAgent revokes every active token issued to agentID. Returns the number of
// records newly revoked, including delegated user tokens.
func (s *Service) RevokeAgent(ctx context.Context, operator, agentID string) (int, error) {
	if agentID == "" {
		return 0, fmt.Errorf("%w: agent id is required", ErrInvalidArgument)
	}
	kind := store.TokenKindAgent
	tokens, err := s.store.ListTokens(ctx, store.TokenFilter{Kind: &kind, Subject: &agentID, Limit: 1000})
	if err != nil {
		return 0, fmt.Errorf("listing agent tokens: %w", err)
	}

	total := 0
	for _, t := range tokens {
		n, err := s.RevokeToken(ctx, operator, t.ID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
