// ABOUTME: Access gate deciding admission of a request to a protected endpoint
// ABOUTME: Checks agent token, scope, optional delegated user token, then the rate limit

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/2389/agentready-gateway/internal/store"
)

// Endpoint is the gate's view of a protected endpoint, taken from the site descriptor.
type Endpoint struct {
	Name         string
	Scope        string // empty for public endpoints
	RequiresUser bool
	RateLimit    int           // requests per window, 0 uses the gate default
	Window       time.Duration // 0 uses the gate default
}

// Public reports whether the endpoint is open to unauthenticated callers.
func (e Endpoint) Public() bool {
	return e.Scope == "" && !e.RequiresUser
}

// Admission is the outcome of a successful authorization: exactly one of
// Unauthenticated, AgentOnly or Delegated.
type Admission interface {
	admission()
}

// Unauthenticated admits a caller to a public endpoint without credentials.
type Unauthenticated struct {
	ClientIP string
}

// AgentOnly admits a caller presenting a valid agent token.
type AgentOnly struct {
	Agent *Claims
}

// Delegated admits an agent acting on behalf of a user.
type Delegated struct {
	Agent *Claims
	User  *Claims
}

func (Unauthenticated) admission() {}
func (AgentOnly) admission()       {}
func (Delegated) admission()       {}

// AgentOf returns the agent claims of an admission, or nil when unauthenticated.
func AgentOf(a Admission) *Claims {
	switch v := a.(type) {
	case AgentOnly:
		return v.Agent
	case Delegated:
		return v.Agent
	}
	return nil
}

// GateRequest carries the credentials presented for one request.
type GateRequest struct {
	Endpoint   Endpoint
	AgentToken string
	UserToken  string
	ClientIP   string
}

// Limiter is an atomic increment-and-check counter.
type Limiter interface {
	Allow(key string, limit int, window time.Duration) (allowed bool, retryAfter time.Duration)
}

// KeyPolicy selects how rate-limit counters are keyed.
type KeyPolicy string

const (
	KeyAgentEndpoint KeyPolicy = "agent_endpoint"
	KeyAgent         KeyPolicy = "agent"
	KeyGlobal        KeyPolicy = "global"
)

// Valid reports whether p is a known policy.
func (p KeyPolicy) Valid() bool {
	switch p {
	case KeyAgentEndpoint, KeyAgent, KeyGlobal:
		return true
	}
	return false
}

// GateConfig wires a Gate.
type GateConfig struct {
	Tokens        *JWTVerifier
	Registry      store.TokenStore
	Limiter       Limiter // nil disables rate limiting
	KeyPolicy     KeyPolicy
	DefaultLimit  int
	DefaultWindow time.Duration
	Logger        *slog.Logger
}

// Gate is the single choke point in front of protected endpoints.
type Gate struct {
	tokens        *JWTVerifier
	registry      store.TokenStore
	limiter       Limiter
	keyPolicy     KeyPolicy
	defaultLimit  int
	defaultWindow time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewGate creates a Gate.
func NewGate(cfg GateConfig) *Gate {
	if !cfg.KeyPolicy.Valid() {
		cfg.KeyPolicy = KeyAgentEndpoint
	}
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{
		tokens:        cfg.Tokens,
		registry:      cfg.Registry,
		limiter:       cfg.Limiter,
		keyPolicy:     cfg.KeyPolicy,
		defaultLimit:  cfg.DefaultLimit,
		defaultWindow: cfg.DefaultWindow,
		logger:        cfg.Logger.With("component", "gate"),
		now:           time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// Authorize admits or denies a request. Denials are *Error values.
func (g *Gate) Authorize(ctx context.Context, req GateRequest) (Admission, error) {
	ep := req.Endpoint

	if ep.Public() {
		if err := g.rateLimit(g.limitKey("ip:"+req.ClientIP, ep.Name), ep); err != nil {
			return nil, err
		}
		return Unauthenticated{ClientIP: req.ClientIP}, nil
	}

	agent, agentRec, err := g.checkTokenRecord(ctx, req.AgentToken, TokenTypeAgent)
	if err != nil {
		return nil, err
	}

	if ep.Scope != "" && !agent.HasScope(ep.Scope) {
		return nil, NewError(KindInsufficientScope, "agent token lacks scope %q", ep.Scope)
	}

	var admission Admission = AgentOnly{Agent: agent}
	if ep.RequiresUser || req.UserToken != "" {
		if req.UserToken == "" {
			return nil, NewError(KindInsufficientScope, "endpoint requires a delegated user token")
		}
		user, err := g.checkToken(ctx, req.UserToken, TokenTypeUser)
		if err != nil {
			return nil, err
		}
		if user.AgentTokenID != agent.ID {
			return nil, NewError(KindInvalidToken, "user token was not delegated to the presented agent token")
		}
		if ep.Scope != "" && !user.HasScope(ep.Scope) {
			return nil, NewError(KindInsufficientScope, "user token lacks scope %q", ep.Scope)
		}
		admission = Delegated{Agent: agent, User: user}
	}

	if err := g.rateLimit(g.limitKey(agentPrincipal(agentRec), ep.Name), ep); err != nil {
		g.logger.Warn("rate limit exceeded", "agent_id", agent.Subject, "endpoint", ep.Name)
		return nil, err
	}
	return admission, nil
}

// checkToken validates signature, expiry and revocation of a bearer token.
func (g *Gate) checkToken(ctx context.Context, raw string, want TokenType) (*Claims, error) {
	claims, _, err := g.checkTokenRecord(ctx, raw, want)
	return claims, err
}

// checkTokenRecord is checkToken that also returns the registry record.
func (g *Gate) checkTokenRecord(ctx context.Context, raw string, want TokenType) (*Claims, *store.TokenRecord, error) {
	if raw == "" {
		return nil, nil, NewError(KindInvalidToken, "missing %s token", want)
	}

	claims, err := g.tokens.VerifyToken(raw, want)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			return nil, nil, NewError(KindInvalidToken, "%s token expired", want)
		}
		g.logger.Warn("auth failure", "reason", err.Error(), "type", want)
		return nil, nil, NewError(KindInvalidToken, "%s token is invalid", want)
	}

	rec, err := g.registry.GetToken(ctx, claims.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, NewError(KindInvalidToken, "%s token is not recognized", want)
	}
	if err != nil {
		return nil, nil, Internal(fmt.Errorf("looking up token: %w", err))
	}
	if !rec.Active(g.now()) {
		return nil, nil, NewError(KindInvalidToken, "%s token has been revoked", want)
	}

	// A user token dies with its delegating agent token.
	if want == TokenTypeUser && rec.ParentID != "" {
		parent, err := g.registry.GetToken(ctx, rec.ParentID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, nil, Internal(fmt.Errorf("looking up parent token: %w", err))
		}
		if parent == nil || !parent.Active(g.now()) {
			return nil, nil, NewError(KindInvalidToken, "delegating agent token is no longer valid")
		}
	}
	return claims, rec, nil
}

// agentPrincipal names the rate limit subject of an agent token. Agent ids are
// caller-asserted, so the key fingerprint is part of the name.
func agentPrincipal(rec *store.TokenRecord) string {
	if rec.Fingerprint == "" {
		return "agent:" + rec.Subject
	}
	return "agent:" + rec.Subject + "#" + rec.Fingerprint
}

// limitKey combines the caller principal and the endpoint per the key policy.
func (g *Gate) limitKey(principal, endpoint string) string {
	switch g.keyPolicy {
	case KeyAgent:
		return principal
	case KeyGlobal:
		return "endpoint:" + endpoint
	default:
		return principal + "|" + endpoint
	}
}

func (g *Gate) rateLimit(key string, ep Endpoint) error {
	if g.limiter == nil {
		return nil
	}
	limit, window := ep.RateLimit, ep.Window
	if limit <= 0 {
		limit = g.defaultLimit
	}
	if window <= 0 {
		window = g.defaultWindow
	}
	if limit <= 0 {
		return nil
	}

	allowed, retryAfter := g.limiter.Allow(key, limit, window)
	if allowed {
		return nil
	}
	return RateLimited(int(math.Ceil(retryAfter.Seconds())))
}
