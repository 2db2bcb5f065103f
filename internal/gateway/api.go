// ABOUTME: HTTP handlers for the challenge, token, delegation and revocation endpoints
// ABOUTME: Registers every route, including the gated descriptor endpoints

package gateway

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/2389/agentready-gateway/internal/auth"
	"github.com/2389/agentready-gateway/internal/delegation"
	"github.com/2389/agentready-gateway/internal/discovery"
	"github.com/2389/agentready-gateway/internal/store"
)

// WhoamiPath is the built-in introspection endpoint for agent tokens.
const WhoamiPath = "/api/whoami"

// RevokeRequest is the optional body of POST /auth/revoke. An empty TokenID
// revokes the presented agent token.
type RevokeRequest struct {
	TokenID string `json:"token_id,omitempty"`
}

// RevokeResponse is the JSON response for POST /auth/revoke.
type RevokeResponse struct {
	TokenID string `json:"token_id"`
	Revoked int    `json:"revoked"`
}

// IdentityResponse describes the admitted caller.
type IdentityResponse struct {
	Admission string         `json:"admission"` // unauthenticated, agent or delegated
	Agent     *IdentityToken `json:"agent,omitempty"`
	User      *IdentityToken `json:"user,omitempty"`
	Endpoint  string         `json:"endpoint,omitempty"`
}

// IdentityToken summarizes one bearer token.
type IdentityToken struct {
	Subject   string    `json:"sub"`
	TokenID   string    `json:"token_id"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
	Actor     string    `json:"actor,omitempty"`
}

func identityToken(c *auth.Claims) *IdentityToken {
	t := &IdentityToken{
		Subject: c.Subject,
		TokenID: c.ID,
		Scope:   c.Scope,
		Actor:   c.Actor,
	}
	if c.ExpiresAt != nil {
		t.ExpiresAt = c.ExpiresAt.UTC()
	}
	return t
}

// routes builds the root handler.
func (g *Gateway) routes(descriptor, consentPage http.Handler) (http.Handler, error) {
	mux := http.NewServeMux()
	requireAgent := auth.RequireAgent(g.gate, g.logger)
	bounded := limitBody(maxBodyBytes)

	mux.Handle("GET "+discovery.WellKnownPath, descriptor)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("GET "+discovery.ChallengePath, g.handleChallenge)
	mux.Handle("POST "+discovery.TokenPath, bounded(http.HandlerFunc(g.handleToken)))
	mux.Handle("POST "+discovery.RevocationPath, requireAgent(bounded(http.HandlerFunc(g.handleRevoke))))
	mux.Handle("POST "+discovery.DelegatePath, requireAgent(bounded(http.HandlerFunc(g.handleDelegate))))
	mux.Handle("POST "+discovery.ExchangePath, requireAgent(bounded(http.HandlerFunc(g.handleExchange))))
	mux.Handle("GET "+discovery.DelegatePath+"/{id}", requireAgent(http.HandlerFunc(g.handleDelegationStatus)))
	mux.Handle("/consent/{id}", bounded(consentPage))

	builtinWhoami := true
	for _, e := range g.descriptor.Endpoints {
		ep, _ := g.descriptor.GateEndpoint(e.Name)

		var h http.Handler = http.HandlerFunc(g.handleIdentity)
		if proxy, ok := g.router.Route(e.Name); ok {
			h = proxy
		}
		h = auth.GateMiddleware(g.gate, ep, g.logger)(g.auditDelegated(e.Name)(h))

		if err := handle(mux, e.Pattern(), h); err != nil {
			return nil, fmt.Errorf("registering endpoint %s: %w", e.Name, err)
		}
		if e.Path == WhoamiPath {
			builtinWhoami = false
		}
	}
	if builtinWhoami {
		mux.Handle("GET "+WhoamiPath, requireAgent(http.HandlerFunc(g.handleIdentity)))
	}

	return recoverPanics(g.logger)(requestID(logRequests(g.logger)(mux))), nil
}

// handle registers h, reporting pattern conflicts as errors instead of panics.
func handle(mux *http.ServeMux, pattern string, h http.Handler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
		}
	}()
	mux.Handle(pattern, h)
	return nil
}

// handleChallenge handles GET /auth/challenge.
func (g *Gateway) handleChallenge(w http.ResponseWriter, r *http.Request) {
	ip := auth.ClientIP(r)
	if ok, retryAfter := g.ipLimiter.Allow(ip); !ok {
		g.logger.Warn("challenge rate limit exceeded", "remote_addr", ip)
		auth.WriteError(w, g.logger, auth.RateLimited(int(math.Ceil(retryAfter.Seconds()))))
		return
	}

	challenge, err := g.nonces.Issue(r.Context())
	if err != nil {
		auth.WriteError(w, g.logger, auth.Internal(err))
		return
	}
	auth.WriteJSON(w, http.StatusOK, challenge)
}

// handleToken handles POST /auth/token.
func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	var req auth.ProofRequest
	if err := decodeJSON(r, &req); err != nil {
		auth.WriteError(w, g.logger, err)
		return
	}

	token, err := g.issuer.Issue(r.Context(), req)
	if err != nil {
		g.logAuthFailure(r, err, "agent_id", req.Agent.ID)
		auth.WriteError(w, g.logger, err)
		return
	}
	auth.WriteJSON(w, http.StatusOK, token)
}

// handleRevoke handles POST /auth/revoke. An agent may revoke its own token or a
// user token delegated to it.
func (g *Gateway) handleRevoke(w http.ResponseWriter, r *http.Request) {
	agent := auth.MustAgentFromContext(r.Context())

	var req RevokeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		auth.WriteError(w, g.logger, err)
		return
	}

	target := req.TokenID
	if target == "" {
		target = agent.ID
	}
	if target != agent.ID {
		rec, err := g.store.GetToken(r.Context(), target)
		if errors.Is(err, store.ErrNotFound) || (err == nil && rec.ParentID != agent.ID) {
			auth.WriteError(w, g.logger, auth.NewError(auth.KindNotFound, "unknown token"))
			return
		}
		if err != nil {
			auth.WriteError(w, g.logger, auth.Internal(fmt.Errorf("looking up token: %w", err)))
			return
		}
	}

	n, err := g.issuer.Revoke(r.Context(), target, agent.Subject)
	if err != nil {
		auth.WriteError(w, g.logger, err)
		return
	}
	g.logger.Info("token revoked by agent", "agent_id", agent.Subject, "token_id", target, "revoked", n)
	auth.WriteJSON(w, http.StatusOK, RevokeResponse{TokenID: target, Revoked: n})
}

// handleDelegate handles POST /auth/delegate.
func (g *Gateway) handleDelegate(w http.ResponseWriter, r *http.Request) {
	agent := auth.MustAgentFromContext(r.Context())

	var in delegation.Input
	if err := decodeJSON(r, &in); err != nil {
		auth.WriteError(w, g.logger, err)
		return
	}

	summary, err := g.broker.RequestDelegation(r.Context(), agent, in)
	if err != nil {
		g.logAuthFailure(r, err, "agent_id", agent.Subject)
		auth.WriteError(w, g.logger, err)
		return
	}
	auth.WriteJSON(w, http.StatusOK, summary)
}

// handleDelegationStatus handles GET /auth/delegate/{id}.
func (g *Gateway) handleDelegationStatus(w http.ResponseWriter, r *http.Request) {
	agent := auth.MustAgentFromContext(r.Context())

	summary, err := g.broker.Status(r.Context(), agent, r.PathValue("id"))
	if err != nil {
		auth.WriteError(w, g.logger, err)
		return
	}
	auth.WriteJSON(w, http.StatusOK, summary)
}

// handleExchange handles POST /auth/delegate/exchange.
func (g *Gateway) handleExchange(w http.ResponseWriter, r *http.Request) {
	agent := auth.MustAgentFromContext(r.Context())

	var in delegation.ExchangeInput
	if err := decodeJSON(r, &in); err != nil {
		auth.WriteError(w, g.logger, err)
		return
	}

	token, err := g.broker.Exchange(r.Context(), agent, in)
	if err != nil {
		g.logAuthFailure(r, err, "agent_id", agent.Subject, "id", in.RequestID)
		auth.WriteError(w, g.logger, err)
		return
	}
	auth.WriteJSON(w, http.StatusOK, token)
}

// handleIdentity answers gated endpoints without an upstream and GET /api/whoami
// with the admission the gate made.
func (g *Gateway) handleIdentity(w http.ResponseWriter, r *http.Request) {
	resp := IdentityResponse{Admission: "unauthenticated"}
	switch a := auth.FromContext(r.Context()).(type) {
	case auth.AgentOnly:
		resp.Admission = "agent"
		resp.Agent = identityToken(a.Agent)
	case auth.Delegated:
		resp.Admission = "delegated"
		resp.Agent = identityToken(a.Agent)
		resp.User = identityToken(a.User)
	}
	resp.Endpoint = r.Pattern
	auth.WriteJSON(w, http.StatusOK, resp)
}

// logAuthFailure logs protocol rejections at Warn. Server errors are logged by WriteError.
func (g *Gateway) logAuthFailure(r *http.Request, err error, attrs ...any) {
	kind := auth.KindOf(err)
	if kind == auth.KindServerError {
		return
	}
	attrs = append(attrs, "reason", string(kind), "path", r.URL.Path, "remote_addr", auth.ClientIP(r))
	g.logger.Warn("auth failure", attrs...)
}
