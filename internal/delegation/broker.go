// ABOUTME: Delegation broker running the agent-to-user consent state machine
// ABOUTME: Parks pending requests, records the human decision and exchanges codes for user tokens

package delegation

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agentready-gateway/internal/auth"
	"github.com/2389/agentready-gateway/internal/store"
)

const (
	DefaultMaxPending      = 5
	DefaultRequestTTL      = 15 * time.Minute
	DefaultCodeTTL         = 5 * time.Minute
	DefaultSessionDuration = time.Hour
	DefaultMaxSession      = 24 * time.Hour

	// MaxPurposeLength bounds the text shown to the user on the consent page.
	MaxPurposeLength = 2000
)

// Input is the body of a delegation request.
type Input struct {
	UserID              string   `json:"user_id"`
	Scopes              []string `json:"scopes"`
	Purpose             string   `json:"purpose"`
	CallbackURL         string   `json:"callback_url,omitempty"`
	SessionDuration     int64    `json:"session_duration,omitempty"` // seconds
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
}

// Summary describes a delegation request to the agent that created it.
type Summary struct {
	ID             string                 `json:"delegation_request_id"`
	UserAuthURL    string                 `json:"user_auth_url"`
	ExpiresAt      time.Time              `json:"expires_at"`
	RequiredScopes []string               `json:"required_scopes"`
	Status         store.DelegationStatus `json:"status"`
}

// ExchangeInput is the body of a delegation exchange.
type ExchangeInput struct {
	RequestID    string `json:"delegation_request_id"`
	Code         string `json:"authorization_code"`
	CodeVerifier string `json:"code_verifier,omitempty"`
}

// UserInfo identifies the user a token acts for.
type UserInfo struct {
	ID string `json:"id"`
}

// UserToken is the exchange response.
type UserToken struct {
	Token               string    `json:"user_token"`
	TokenType           string    `json:"token_type"`
	ExpiresIn           int       `json:"expires_in"`
	Scope               string    `json:"scope"`
	UserInfo            UserInfo  `json:"user_info"`
	DelegationExpiresAt time.Time `json:"delegation_expires_at"`
	TokenID             string    `json:"-"`
}

// Decision is the outcome of the human consent step. AuthorizationCode is set only
// when the request was approved and is never retrievable again.
type Decision struct {
	RequestID         string                 `json:"delegation_request_id"`
	Status            store.DelegationStatus `json:"status"`
	AuthorizationCode string                 `json:"authorization_code,omitempty"`
	ConsentedScopes   []string               `json:"consented_scopes,omitempty"`
}

// Notifier wakes the agent after the human decided. Implementations must not block
// on the network.
type Notifier interface {
	Notify(ctx context.Context, callbackURL string, d Decision)
}

// Config wires a Broker.
type Config struct {
	Store          store.DelegationStore
	Tokens         store.TokenStore
	Audit          store.AuditStore
	Signer         *auth.JWTVerifier
	Notifier       Notifier
	BaseURL        string
	AllowedScopes  []string
	MaxPending     int
	RequestTTL     time.Duration
	CodeTTL        time.Duration
	DefaultSession time.Duration
	MaxSession     time.Duration
	Logger         *slog.Logger
}

// Broker coordinates agent, site and human across the asynchronous consent step.
// It never waits for consent; it records state and expiry only.
type Broker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	random io.Reader
}

// NewBroker creates a Broker, filling unset limits with their defaults.
func NewBroker(cfg Config) *Broker {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = DefaultRequestTTL
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.DefaultSession <= 0 {
		cfg.DefaultSession = DefaultSessionDuration
	}
	if cfg.MaxSession <= 0 {
		cfg.MaxSession = DefaultMaxSession
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Broker{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "delegation"),
		now:    time.Now,
		random: rand.Reader,
	}
}

// SetClock replaces the time source. Used by tests.
func (b *Broker) SetClock(now func() time.Time) {
	b.now = now
}

// ConsentURL is the human-facing location of a request's consent page.
func (b *Broker) ConsentURL(id string) string {
	return b.cfg.BaseURL + "/consent/" + id
}

func (b *Broker) summary(r *store.DelegationRequest) *Summary {
	return &Summary{
		ID:             r.ID,
		UserAuthURL:    b.ConsentURL(r.ID),
		ExpiresAt:      r.ExpiresAt,
		RequiredScopes: r.Scopes,
		Status:         r.Status,
	}
}

// RequestDelegation parks a pending request for agent to act as in.UserID.
func (b *Broker) RequestDelegation(ctx context.Context, agent *auth.Claims, in Input) (*Summary, error) {
	if agent == nil {
		return nil, auth.NewError(auth.KindInvalidToken, "agent token required")
	}
	if strings.TrimSpace(in.UserID) == "" {
		return nil, auth.NewError(auth.KindInvalidRequest, "user_id is required")
	}
	if strings.TrimSpace(in.Purpose) == "" {
		return nil, auth.NewError(auth.KindInvalidRequest, "purpose is required")
	}
	if len(in.Purpose) > MaxPurposeLength {
		return nil, auth.NewError(auth.KindInvalidRequest, "purpose exceeds %d bytes", MaxPurposeLength)
	}
	if err := validateCallback(in.CallbackURL); err != nil {
		return nil, err
	}

	method := in.CodeChallengeMethod
	if in.CodeChallenge != "" && method == "" {
		method = MethodS256
	}
	if method != "" && (method != MethodS256 || in.CodeChallenge == "") {
		return nil, auth.NewError(auth.KindInvalidRequest, "code_challenge_method must be S256 with a code_challenge")
	}

	scopes := auth.IntersectScopes(in.Scopes, b.cfg.AllowedScopes)
	if len(scopes) == 0 {
		return nil, auth.NewError(auth.KindInsufficientScope, "none of the requested scopes can be delegated")
	}

	session := time.Duration(in.SessionDuration) * time.Second
	if session <= 0 {
		session = b.cfg.DefaultSession
	}
	session = min(session, b.cfg.MaxSession)

	now := b.now().UTC().Truncate(time.Second)
	if agent.ExpiresAt == nil || !now.Before(agent.ExpiresAt.Time) {
		return nil, auth.NewError(auth.KindInvalidToken, "agent token expired")
	}
	remaining := agent.ExpiresAt.Time.Sub(now)

	r := &store.DelegationRequest{
		ID:                  uuid.New().String(),
		AgentTokenID:        agent.ID,
		AgentID:             agent.Subject,
		UserID:              in.UserID,
		Scopes:              scopes,
		Purpose:             in.Purpose,
		CallbackURL:         in.CallbackURL,
		SessionDuration:     session,
		CodeChallenge:       in.CodeChallenge,
		CodeChallengeMethod: method,
		Status:              store.DelegationPending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(min(b.cfg.RequestTTL, remaining)),
	}

	if err := b.cfg.Store.CreateDelegation(ctx, r, b.cfg.MaxPending); err != nil {
		if errors.Is(err, store.ErrPendingLimit) {
			b.logger.Warn("delegation limit reached", "agent_id", agent.Subject, "token_id", agent.ID)
			e := auth.NewError(auth.KindDelegationLimit, "at most %d delegation requests may be pending per agent token", b.cfg.MaxPending)
			return nil, e.WithRetryAfter(b.nextPendingExpiry(ctx, agent.ID, now))
		}
		return nil, auth.Internal(fmt.Errorf("creating delegation request: %w", err))
	}

	b.record(ctx, agent.Subject, store.AuditRequestDelegation, r.ID, map[string]any{
		"user_id": r.UserID,
		"scope":   store.JoinScopes(scopes),
	})
	b.logger.Info("delegation requested", "id", r.ID, "agent_id", r.AgentID, "user_id", r.UserID, "scope", store.JoinScopes(scopes))

	return b.summary(r), nil
}

// nextPendingExpiry returns how long until the earliest pending request of the
// agent token expires and frees a slot. Falls back to the request TTL.
func (b *Broker) nextPendingExpiry(ctx context.Context, agentTokenID string, now time.Time) time.Duration {
	pending := store.DelegationPending
	requests, err := b.cfg.Store.ListDelegations(ctx, store.DelegationFilter{AgentTokenID: &agentTokenID, Status: &pending, Limit: 1000})
	if err != nil {
		b.logger.Error("failed to list pending delegations", "token_id", agentTokenID, "error", err)
		return b.cfg.RequestTTL
	}
	wait := b.cfg.RequestTTL
	for _, r := range requests {
		if d := r.ExpiresAt.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	return wait
}

func validateCallback(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return auth.NewError(auth.KindInvalidRequest, "callback_url must be an absolute http(s) URL")
	}
	return nil
}

// lookup loads a request, applying lazy expiry to pending requests past their deadline.
func (b *Broker) lookup(ctx context.Context, id string) (*store.DelegationRequest, error) {
	r, err := b.cfg.Store.GetDelegation(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != store.DelegationPending || b.now().Before(r.ExpiresAt) {
		return r, nil
	}

	expired, err := b.cfg.Store.TransitionDelegation(ctx, id, store.Transition{
		From: store.DelegationPending,
		To:   store.DelegationExpired,
		At:   b.now().UTC(),
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, err
	}
	if err == nil {
		b.logger.Debug("delegation expired", "id", id)
	}
	return expired, nil
}

func (b *Broker) notFound(err error, kind auth.Kind) error {
	if errors.Is(err, store.ErrNotFound) {
		return auth.NewError(kind, "unknown delegation request")
	}
	return auth.Internal(fmt.Errorf("loading delegation request: %w", err))
}

// Status reports the current state of a request to the agent token that created it.
func (b *Broker) Status(ctx context.Context, agent *auth.Claims, id string) (*Summary, error) {
	r, err := b.lookup(ctx, id)
	if err != nil {
		return nil, b.notFound(err, auth.KindNotFound)
	}
	if agent == nil || r.AgentTokenID != agent.ID {
		return nil, auth.NewError(auth.KindNotFound, "unknown delegation request")
	}
	return b.summary(r), nil
}

// Get returns a request for the consent page. Lazy expiry applies.
func (b *Broker) Get(ctx context.Context, id string) (*store.DelegationRequest, error) {
	r, err := b.lookup(ctx, id)
	if err != nil {
		return nil, b.notFound(err, auth.KindNotFound)
	}
	return r, nil
}

// decidable checks that userID may decide r and that r is still pending.
func decidable(r *store.DelegationRequest, userID string) error {
	if r.UserID != userID {
		return auth.NewError(auth.KindAccessDenied, "delegation request belongs to another user")
	}
	switch r.Status {
	case store.DelegationPending:
		return nil
	case store.DelegationExpired:
		return auth.NewError(auth.KindExpiredRequest, "delegation request expired")
	default:
		return auth.NewError(auth.KindInvalidGrant, "delegation request already %s", r.Status)
	}
}

// decidedConcurrently explains a lost compare-and-swap on a pending request.
func decidedConcurrently(r *store.DelegationRequest, userID string) error {
	if r != nil {
		if err := decidable(r, userID); err != nil {
			return err
		}
	}
	return auth.NewError(auth.KindInvalidGrant, "delegation request already decided")
}

// Consent records the user's approval of approved (all requested scopes when empty)
// and returns the one-time authorization code.
func (b *Broker) Consent(ctx context.Context, id, userID string, approved []string) (*Decision, error) {
	r, err := b.lookup(ctx, id)
	if err != nil {
		return nil, b.notFound(err, auth.KindNotFound)
	}
	if err := decidable(r, userID); err != nil {
		return nil, err
	}

	consented := r.Scopes
	if len(approved) > 0 {
		for _, s := range approved {
			if !slices.Contains(r.Scopes, s) {
				return nil, auth.NewError(auth.KindInvalidRequest, "scope %q was not requested", s)
			}
		}
		consented = auth.IntersectScopes(approved, r.Scopes)
	}

	code, hash, err := newCode(b.random)
	if err != nil {
		return nil, auth.Internal(err)
	}

	now := b.now().UTC()
	updated, err := b.cfg.Store.TransitionDelegation(ctx, id, store.Transition{
		From:            store.DelegationPending,
		To:              store.DelegationConsented,
		At:              now,
		ConsentedScopes: consented,
		CodeHash:        hash,
		CodeExpiresAt:   now.Add(b.cfg.CodeTTL),
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, decidedConcurrently(updated, userID)
	}
	if err != nil {
		return nil, auth.Internal(fmt.Errorf("recording consent: %w", err))
	}

	b.record(ctx, userID, store.AuditConsentDelegation, id, map[string]any{"scope": store.JoinScopes(consented)})
	b.logger.Info("delegation consented", "id", id, "user_id", userID, "scope", store.JoinScopes(consented))

	d := Decision{RequestID: id, Status: store.DelegationConsented, AuthorizationCode: code, ConsentedScopes: consented}
	b.notify(ctx, updated, d)
	return &d, nil
}

// Deny records the user's refusal. A denied request is never exchangeable.
func (b *Broker) Deny(ctx context.Context, id, userID string) (*Decision, error) {
	r, err := b.lookup(ctx, id)
	if err != nil {
		return nil, b.notFound(err, auth.KindNotFound)
	}
	if err := decidable(r, userID); err != nil {
		return nil, err
	}

	updated, err := b.cfg.Store.TransitionDelegation(ctx, id, store.Transition{
		From: store.DelegationPending,
		To:   store.DelegationDenied,
		At:   b.now().UTC(),
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, decidedConcurrently(updated, userID)
	}
	if err != nil {
		return nil, auth.Internal(fmt.Errorf("recording denial: %w", err))
	}

	b.record(ctx, userID, store.AuditDenyDelegation, id, nil)
	b.logger.Info("delegation denied", "id", id, "user_id", userID)

	d := Decision{RequestID: id, Status: store.DelegationDenied}
	b.notify(ctx, updated, d)
	return &d, nil
}

func (b *Broker) notify(ctx context.Context, r *store.DelegationRequest, d Decision) {
	if b.cfg.Notifier == nil || r == nil || r.CallbackURL == "" {
		return
	}
	b.cfg.Notifier.Notify(ctx, r.CallbackURL, d)
}

// Exchange trades a consented request and its authorization code for a user token.
// Each request can be exchanged at most once.
func (b *Broker) Exchange(ctx context.Context, agent *auth.Claims, in ExchangeInput) (*UserToken, error) {
	if agent == nil {
		return nil, auth.NewError(auth.KindInvalidToken, "agent token required")
	}
	if in.RequestID == "" || in.Code == "" {
		return nil, auth.NewError(auth.KindInvalidRequest, "delegation_request_id and authorization_code are required")
	}

	r, err := b.lookup(ctx, in.RequestID)
	if err != nil {
		return nil, b.notFound(err, auth.KindInvalidGrant)
	}

	switch r.Status {
	case store.DelegationConsented:
	case store.DelegationExpired:
		return nil, auth.NewError(auth.KindExpiredRequest, "delegation request expired")
	case store.DelegationPending:
		return nil, auth.NewError(auth.KindAuthorizationPending, "the user has not decided yet")
	default:
		return nil, b.reject(ctx, agent, r.ID, "delegation request is %s", r.Status)
	}

	now := b.now().UTC().Truncate(time.Second)
	if r.AgentTokenID != agent.ID {
		return nil, b.reject(ctx, agent, r.ID, "delegation request was not made with the presented agent token")
	}
	if r.CodeExpiresAt != nil && !now.Before(*r.CodeExpiresAt) {
		return nil, b.reject(ctx, agent, r.ID, "authorization code expired")
	}
	if !codeMatches(in.Code, r.CodeHash) {
		return nil, b.reject(ctx, agent, r.ID, "authorization code does not match")
	}
	if r.CodeChallenge != "" && !verifyPKCE(r.CodeChallenge, in.CodeVerifier) {
		return nil, b.reject(ctx, agent, r.ID, "code_verifier does not match code_challenge")
	}

	parent, err := b.cfg.Tokens.GetToken(ctx, agent.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, auth.Internal(fmt.Errorf("loading agent token: %w", err))
	}
	if parent == nil || !parent.Active(now) {
		return nil, auth.NewError(auth.KindInvalidToken, "agent token is no longer valid")
	}

	// A user token never outlives the agent token it was delegated to.
	expiresAt := now.Add(r.SessionDuration)
	if parent.ExpiresAt.Before(expiresAt) {
		expiresAt = parent.ExpiresAt
	}
	expiresAt = expiresAt.Truncate(time.Second)
	if !now.Before(expiresAt) {
		return nil, auth.NewError(auth.KindInvalidToken, "agent token expires too soon to delegate")
	}

	if _, err := b.cfg.Store.TransitionDelegation(ctx, r.ID, store.Transition{
		From: store.DelegationConsented,
		To:   store.DelegationExchanged,
		At:   now,
	}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, b.reject(ctx, agent, r.ID, "authorization code already used")
		}
		return nil, auth.Internal(fmt.Errorf("marking delegation exchanged: %w", err))
	}

	rec := &store.TokenRecord{
		ID:          uuid.New().String(),
		Kind:        store.TokenKindUser,
		Subject:     r.UserID,
		AgentID:     r.AgentID,
		ParentID:    agent.ID,
		Scopes:      r.ConsentedScopes,
		Fingerprint: parent.Fingerprint,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	}
	signed, err := b.cfg.Signer.Issue(auth.NewClaims(rec))
	if err != nil {
		return nil, auth.Internal(fmt.Errorf("signing user token: %w", err))
	}
	if err := b.cfg.Tokens.SaveToken(ctx, rec); err != nil {
		return nil, auth.Internal(fmt.Errorf("recording user token: %w", err))
	}

	b.record(ctx, agent.Subject, store.AuditExchangeDelegation, r.ID, map[string]any{
		"user_id":  r.UserID,
		"token_id": rec.ID,
		"scope":    store.JoinScopes(rec.Scopes),
	})
	b.logger.Info("delegation exchanged", "id", r.ID, "agent_id", agent.Subject, "user_id", r.UserID, "token_id", rec.ID)

	return &UserToken{
		Token:               signed,
		TokenType:           "Bearer",
		ExpiresIn:           int(expiresAt.Sub(now) / time.Second),
		Scope:               store.JoinScopes(rec.Scopes),
		UserInfo:            UserInfo{ID: r.UserID},
		DelegationExpiresAt: expiresAt,
		TokenID:             rec.ID,
	}, nil
}

// reject audits a failed exchange and returns invalid_grant.
func (b *Broker) reject(ctx context.Context, agent *auth.Claims, id, format string, args ...any) error {
	e := auth.NewError(auth.KindInvalidGrant, format, args...)
	b.logger.Warn("exchange rejected", "id", id, "agent_id", agent.Subject, "reason", e.Description)
	b.record(ctx, agent.Subject, store.AuditRejectExchange, id, map[string]any{"reason": e.Description})
	return e
}

// record appends an audit entry. Audit failures are logged, never surfaced.
func (b *Broker) record(ctx context.Context, actor string, action store.AuditAction, id string, detail map[string]any) {
	if b.cfg.Audit == nil {
		return
	}
	err := b.cfg.Audit.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     action,
		TargetType: "delegation",
		TargetID:   id,
		Detail:     detail,
	})
	if err != nil {
		b.logger.Error("failed to append audit log", "action", action, "error", err)
	}
}
