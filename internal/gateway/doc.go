// Package gateway orchestrates the agentready-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the agentready-gateway
// server. It builds the site descriptor from configuration, opens the store and
// wires the nonce issuer, token issuer, access gate, delegation broker and
// consent page behind a single HTTP server.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config     *config.Config
//	    store      store.Store
//	    httpServer *http.Server
//	    descriptor *discovery.Descriptor
//	    issuer     *auth.TokenIssuer
//	    gate       *auth.Gate
//	    broker     *delegation.Broker
//	    router     *Router
//	    janitor    *Janitor
//	    // ... and more
//	}
//
// # HTTP API
//
// Auth endpoints:
//
//   - GET /.well-known/agent-ready.json: Site descriptor
//   - GET /auth/challenge: Issue a nonce (rate limited per client IP)
//   - POST /auth/token: Exchange a signed proof for an agent token
//   - POST /auth/revoke: Revoke the caller's token or a user token delegated to it
//   - POST /auth/delegate: Ask a user to delegate scopes to the agent
//   - GET /auth/delegate/{id}: Poll a delegation request
//   - POST /auth/delegate/exchange: Trade an authorization code for a user token
//   - GET, POST /consent/{id}: Human consent page
//
// Site endpoints are declared in configuration. Each passes through the access
// gate and is then either forwarded to its upstream by the Router, with
// credentials replaced by X-AgentReady-* identity headers, or answered by the
// gateway with the admitted identity. GET /api/whoami reports the caller's agent
// token unless a declared endpoint claims that path.
//
// Health endpoints:
//
//   - GET /health: Liveness check
//   - GET /health/ready: Store connectivity check
//
// Every failure is answered in the protocol error shape:
//
//	{"error": "invalid_token", "error_description": "...", "error_code": 401}
//
// # Listeners
//
// The server listens on server.http_addr, or joins a tailnet with tsnet when
// tailscale.enabled is set. Tailscale mode can serve plain HTTP on :80, HTTPS
// with tailnet certificates on :443, or public HTTPS through Funnel.
//
// # Background Work
//
// Run starts a Janitor that periodically purges expired nonces, and tokens and
// delegation requests past the retention period, and drops idle rate limit
// buckets.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown stops the HTTP server, waits for pending consent webhooks and closes
// the store.
package gateway
