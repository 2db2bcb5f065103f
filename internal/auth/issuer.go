// ABOUTME: Agent token issuance from a verified proof over a consumed nonce
// ABOUTME: Grants the intersection of requested, advertised and policy-allowed scopes

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agentready-gateway/internal/store"
)

// DefaultAgentTokenTTL is the lifetime of an agent token.
const DefaultAgentTokenTTL = time.Hour

// AgentIdentity is the caller-asserted identity presented with a proof. It is
// never persisted beyond the handshake.
type AgentIdentity struct {
	ID              string   `json:"id"`
	PublicKey       string   `json:"publicKey"`
	RequestedScopes []string `json:"requestedScopes"`
}

// ProofRequest is the body posted to the token endpoint.
type ProofRequest struct {
	Nonce string        `json:"nonce"`
	Proof Proof         `json:"proof"`
	Agent AgentIdentity `json:"agent"`
}

// IssuedToken is the token endpoint response.
type IssuedToken struct {
	Token     string    `json:"token"`
	TokenType string    `json:"tokenType"`
	ExpiresIn int       `json:"expiresIn"`
	Scope     string    `json:"scope"`
	TokenID   string    `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

// NonceConsumer burns nonces. Implemented by nonce.Issuer.
type NonceConsumer interface {
	Consume(ctx context.Context, value string) (store.NonceState, error)
}

// Policy decides which scopes an agent may be granted.
type Policy interface {
	AllowedScopes(ctx context.Context, agentID string) ([]string, error)
}

// StaticPolicy grants a fixed scope set, with per-agent overrides and a block list.
type StaticPolicy struct {
	Default  []string
	PerAgent map[string][]string
	Blocked  []string
}

// AllowedScopes implements Policy.
func (p *StaticPolicy) AllowedScopes(ctx context.Context, agentID string) ([]string, error) {
	if slices.Contains(p.Blocked, agentID) {
		return nil, nil
	}
	if scopes, ok := p.PerAgent[agentID]; ok {
		return scopes, nil
	}
	return p.Default, nil
}

// IntersectScopes returns the scopes of requested that appear in every allowed set,
// in request order and without duplicates.
func IntersectScopes(requested []string, allowed ...[]string) []string {
	out := []string{}
	for _, s := range requested {
		if s == "" || slices.Contains(out, s) {
			continue
		}
		ok := true
		for _, set := range allowed {
			if !slices.Contains(set, s) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, s)
		}
	}
	return out
}

// IssuerConfig wires a TokenIssuer.
type IssuerConfig struct {
	Nonces           NonceConsumer
	Verifier         *Verifier
	Tokens           *JWTVerifier
	Registry         store.TokenStore
	Audit            store.AuditStore
	Policy           Policy
	AdvertisedScopes []string
	TTL              time.Duration
	Logger           *slog.Logger
}

// TokenIssuer turns verified proofs into agent tokens.
type TokenIssuer struct {
	nonces     NonceConsumer
	verifier   *Verifier
	tokens     *JWTVerifier
	registry   store.TokenStore
	audit      store.AuditStore
	policy     Policy
	advertised []string
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewTokenIssuer creates a TokenIssuer. A nil Policy grants every advertised scope.
func NewTokenIssuer(cfg IssuerConfig) *TokenIssuer {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultAgentTokenTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = &StaticPolicy{Default: cfg.AdvertisedScopes}
	}
	if cfg.Verifier == nil {
		cfg.Verifier = NewVerifier(0)
	}
	return &TokenIssuer{
		nonces:     cfg.Nonces,
		verifier:   cfg.Verifier,
		tokens:     cfg.Tokens,
		registry:   cfg.Registry,
		audit:      cfg.Audit,
		policy:     cfg.Policy,
		advertised: cfg.AdvertisedScopes,
		ttl:        cfg.TTL,
		logger:     cfg.Logger.With("component", "issuer"),
		now:        time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (i *TokenIssuer) SetClock(now func() time.Time) {
	i.now = now
}

// Issue exchanges a proof for an agent token. The nonce is consumed before anything
// else is checked, so a proof is single-use even when issuance fails.
func (i *TokenIssuer) Issue(ctx context.Context, req ProofRequest) (*IssuedToken, error) {
	state, err := i.nonces.Consume(ctx, req.Nonce)
	if err != nil {
		return nil, Internal(err)
	}
	if state != store.NonceValid {
		i.logger.Warn("auth failure", "reason", "invalid nonce", "state", state, "agent_id", req.Agent.ID)
		return nil, NewError(KindInvalidNonce, "nonce is %s; request a new challenge", state)
	}

	if req.Agent.ID == "" {
		return nil, NewError(KindInvalidRequest, "agent.id is required")
	}
	key, err := ParsePublicKey(req.Agent.PublicKey)
	if err != nil {
		return nil, NewError(KindInvalidRequest, "agent.publicKey: %v", err)
	}

	claims, err := i.verifier.Verify(req.Nonce, req.Agent.ID, req.Proof, key)
	if err != nil {
		if !errors.Is(err, ErrProofRejected) {
			return nil, Internal(err)
		}
		i.logger.Warn("auth failure", "reason", err.Error(), "agent_id", req.Agent.ID, "fingerprint", key.Fingerprint())
		i.record(ctx, &store.AuditEntry{
			Actor:      req.Agent.ID,
			Action:     store.AuditRejectProof,
			TargetType: "nonce",
			TargetID:   req.Nonce,
			Detail:     map[string]any{"fingerprint": key.Fingerprint(), "format": string(req.Proof.Format)},
		})
		return nil, NewError(KindInvalidProof, "proof signature could not be verified")
	}

	allowed, err := i.policy.AllowedScopes(ctx, req.Agent.ID)
	if err != nil {
		return nil, Internal(fmt.Errorf("evaluating scope policy: %w", err))
	}
	granted := IntersectScopes(req.Agent.RequestedScopes, i.advertised, allowed)
	if len(granted) == 0 {
		return nil, NewError(KindInsufficientScope, "none of the requested scopes can be granted")
	}

	now := i.now().UTC().Truncate(time.Second)
	rec := &store.TokenRecord{
		ID:          uuid.New().String(),
		Kind:        store.TokenKindAgent,
		Subject:     req.Agent.ID,
		AgentID:     req.Agent.ID,
		Scopes:      granted,
		Fingerprint: key.Fingerprint(),
		IssuedAt:    now,
		ExpiresAt:   now.Add(i.ttl),
	}

	signed, err := i.tokens.Issue(NewClaims(rec))
	if err != nil {
		return nil, Internal(fmt.Errorf("signing agent token: %w", err))
	}
	if err := i.registry.SaveToken(ctx, rec); err != nil {
		return nil, Internal(fmt.Errorf("recording agent token: %w", err))
	}

	i.record(ctx, &store.AuditEntry{
		Actor:      req.Agent.ID,
		Action:     store.AuditIssueAgentToken,
		TargetType: "token",
		TargetID:   rec.ID,
		Timestamp:  now,
		Detail:     map[string]any{"scope": store.JoinScopes(granted), "fingerprint": rec.Fingerprint, "format": string(claims.Format)},
	})
	i.logger.Info("issued agent token", "agent_id", req.Agent.ID, "token_id", rec.ID, "scope", store.JoinScopes(granted))

	return &IssuedToken{
		Token:     signed,
		TokenType: "Bearer",
		ExpiresIn: int(i.ttl / time.Second),
		Scope:     store.JoinScopes(granted),
		TokenID:   rec.ID,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Revoke revokes a token and every token delegated from it.
func (i *TokenIssuer) Revoke(ctx context.Context, tokenID, actor string) (int, error) {
	n, err := i.registry.RevokeToken(ctx, tokenID, i.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, NewError(KindInvalidToken, "unknown token")
		}
		return 0, Internal(err)
	}
	i.record(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     store.AuditRevokeToken,
		TargetType: "token",
		TargetID:   tokenID,
		Detail:     map[string]any{"revoked": n},
	})
	return n, nil
}

// record appends an audit entry. Audit failures are logged, never surfaced.
func (i *TokenIssuer) record(ctx context.Context, e *store.AuditEntry) {
	if i.audit == nil {
		return
	}
	if err := i.audit.AppendAuditLog(ctx, e); err != nil {
		i.logger.Error("failed to append audit log", "action", e.Action, "error", err)
	}
}
