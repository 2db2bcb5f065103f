// ABOUTME: End-to-end tests for the auth, delegation and gated endpoints
// ABOUTME: Drives a served gateway with the agent client SDK and raw HTTP requests

package gateway

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentready-gateway/internal/auth"
	"github.com/2389/agentready-gateway/internal/client"
	"github.com/2389/agentready-gateway/internal/delegation"
	"github.com/2389/agentready-gateway/internal/discovery"
	"github.com/2389/agentready-gateway/internal/store"
)

// shopEndpoints declares one endpoint per gating mode.
const shopEndpoints = `
endpoints:
  - name: catalog
    path: /api/catalog
    method: GET
  - name: profile
    path: /api/profile
    scope: read
  - name: search
    path: /api/search
    scope: search
    rate_limit: 2
  - name: orders
    path: /api/orders
    scope: orders:read
    requires_user: true
    upstream: "%s"
`

// upstreamRecorder is the origin behind the orders endpoint.
type upstreamRecorder struct {
	srv *httptest.Server

	mu      sync.Mutex
	headers []http.Header
}

func newUpstream(t *testing.T) *upstreamRecorder {
	t.Helper()
	u := &upstreamRecorder{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.headers = append(u.headers, r.Header.Clone())
		u.mu.Unlock()
		auth.WriteJSON(w, http.StatusOK, map[string]string{
			"orders_for": r.Header.Get(HeaderUserID),
			"via":        r.Header.Get(HeaderAgentID),
		})
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstreamRecorder) last() http.Header {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.headers) == 0 {
		return nil
	}
	return u.headers[len(u.headers)-1]
}

func newShop(t *testing.T) (*testSite, *upstreamRecorder) {
	t.Helper()
	up := newUpstream(t)
	return newTestSite(t, strings.Replace(shopEndpoints, "%s", up.srv.URL, 1)), up
}

func postJSON(t *testing.T, url, bearer string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeErrorBody(t *testing.T, resp *http.Response) auth.ErrorResponse {
	t.Helper()
	var body auth.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func tokenID(t *testing.T, token string) string {
	t.Helper()
	claims := &auth.Claims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	require.NoError(t, err)
	return claims.ID
}

// delegate runs request, consent and exchange for userID and returns the user token.
func delegate(t *testing.T, site *testSite, agent *client.Client, userID string, scopes ...string) *delegation.UserToken {
	t.Helper()
	ctx := context.Background()

	summary, err := agent.RequestDelegation(ctx, delegation.Input{
		UserID:  userID,
		Scopes:  scopes,
		Purpose: "Check the status of **recent** orders",
	})
	require.NoError(t, err)

	decision, err := site.gw.broker.Consent(ctx, summary.ID, userID, scopes)
	require.NoError(t, err)
	require.NotEmpty(t, decision.AuthorizationCode)

	tok, err := agent.Exchange(ctx, delegation.ExchangeInput{RequestID: summary.ID, Code: decision.AuthorizationCode})
	require.NoError(t, err)
	return tok
}

func TestDiscovery(t *testing.T) {
	site, _ := newShop(t)
	agent := newAgent(t, site, "crawler")

	d, err := agent.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Test Shop", d.Site.Name)
	assert.Equal(t, site.URL()+discovery.TokenPath, d.Auth.TokenEndpoint)
	assert.Equal(t, []string{"read", "search", "orders:read"}, d.Auth.Scopes)
	require.Len(t, d.Endpoints, 4)

	resp := get(t, site.URL()+discovery.WellKnownPath, nil)
	assert.NotContains(t, readBody(t, resp), "upstream", "upstream origins are never published")
}

func TestHandshake_AgentCall(t *testing.T) {
	site, _ := newShop(t)
	agent := newAgent(t, site, "shopping-agent", "read", "search", "bogus")
	ctx := context.Background()

	tok, err := agent.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "read search", tok.Scope)
	assert.Equal(t, "Bearer", tok.TokenType)

	var id IdentityResponse
	require.NoError(t, agent.Call(ctx, http.MethodGet, "/api/profile", nil, "", &id))
	assert.Equal(t, "agent", id.Admission)
	assert.Equal(t, "shopping-agent", id.Agent.Subject)
	assert.Equal(t, agent.TokenID(), id.Agent.TokenID)
	assert.Equal(t, "GET /api/profile", id.Endpoint)
	assert.Nil(t, id.User)

	entries, err := site.gw.store.ListAuditLog(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, store.AuditIssueAgentToken, entries[0].Action)
}

func TestHandshake_AllProofFormats(t *testing.T) {
	site, _ := newShop(t)
	for _, format := range auth.SupportedProofFormats {
		t.Run(string(format), func(t *testing.T) {
			_, key, err := ed25519.GenerateKey(nil)
			require.NoError(t, err)
			signer := &auth.ProofSigner{Key: key, AgentID: "agent-" + string(format), Format: format}
			c := client.NewClient(site.URL(), signer, client.WithScopes("read"))

			_, err = c.Authenticate(context.Background())
			require.NoError(t, err)
		})
	}
}

func TestHandshake_NonceReplay(t *testing.T) {
	site, _ := newShop(t)
	agent := newAgent(t, site, "replayer")
	ctx := context.Background()

	ch, err := agent.Challenge(ctx)
	require.NoError(t, err)
	assert.Equal(t, site.URL()+discovery.TokenPath, ch.TokenEndpoint)

	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := &auth.ProofSigner{Key: key, AgentID: "replayer"}
	proof, err := signer.Sign(ch.Nonce)
	require.NoError(t, err)
	pub, err := signer.PublicKeyString()
	require.NoError(t, err)

	req := auth.ProofRequest{
		Nonce: ch.Nonce,
		Proof: proof,
		Agent: auth.AgentIdentity{ID: "replayer", PublicKey: pub, RequestedScopes: []string{"read"}},
	}

	resp := postJSON(t, ch.TokenEndpoint, "", req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ch.TokenEndpoint, "", req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, auth.KindInvalidNonce, decodeErrorBody(t, resp).Error)
}

func TestHandshake_WrongKey(t *testing.T) {
	site, _ := newShop(t)
	agent := newAgent(t, site, "impostor")
	ctx := context.Background()

	ch, err := agent.Challenge(ctx)
	require.NoError(t, err)

	_, signingKey, _ := ed25519.GenerateKey(nil)
	_, claimedKey, _ := ed25519.GenerateKey(nil)
	proof, err := (&auth.ProofSigner{Key: signingKey, AgentID: "impostor"}).Sign(ch.Nonce)
	require.NoError(t, err)
	pub, err := (&auth.ProofSigner{Key: claimedKey}).PublicKeyString()
	require.NoError(t, err)

	resp := postJSON(t, ch.TokenEndpoint, "", auth.ProofRequest{
		Nonce: ch.Nonce,
		Proof: proof,
		Agent: auth.AgentIdentity{ID: "impostor", PublicKey: pub, RequestedScopes: []string{"read"}},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, auth.KindInvalidProof, decodeErrorBody(t, resp).Error)
}

func TestTokenEndpoint_MalformedBody(t *testing.T) {
	site, _ := newShop(t)

	for name, body := range map[string]string{
		"truncated": `{"nonce":`,
		"oversized": `{"nonce":"` + strings.Repeat("a", maxBodyBytes) + `"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(site.URL()+discovery.TokenPath, "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, auth.KindInvalidRequest, decodeErrorBody(t, resp).Error)
		})
	}
}

func TestGate_PublicEndpoint(t *testing.T) {
	site, _ := newShop(t)

	resp := get(t, site.URL()+"/api/catalog", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var id IdentityResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&id))
	assert.Equal(t, "unauthenticated", id.Admission)
	assert.Nil(t, id.Agent)
}

func TestGate_Denials(t *testing.T) {
	site, _ := newShop(t)
	reader := newAgent(t, site, "reader", "read")
	token, err := reader.Token(context.Background())
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		header http.Header
		status int
		kind   auth.Kind
	}{
		{"no token", "/api/profile", nil, http.StatusUnauthorized, auth.KindInvalidToken},
		{"malformed header", "/api/profile", http.Header{"Authorization": {"Basic abc"}}, http.StatusUnauthorized, auth.KindInvalidToken},
		{"forged token", "/api/profile", http.Header{"Authorization": {"Bearer not.a.jwt"}}, http.StatusUnauthorized, auth.KindInvalidToken},
		{"missing scope", "/api/search", http.Header{"Authorization": {"Bearer " + token}}, http.StatusForbidden, auth.KindInsufficientScope},
		{"user required", "/api/orders", http.Header{"Authorization": {"Bearer " + token}}, http.StatusForbidden, auth.KindInsufficientScope},
		{"agent token as user token", "/api/profile", http.Header{
			"Authorization":      {"Bearer " + token},
			auth.UserTokenHeader: {"Bearer " + token},
		}, http.StatusUnauthorized, auth.KindInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, site.URL()+tt.path, tt.header)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decodeErrorBody(t, resp)
			assert.Equal(t, tt.kind, body.Error)
			assert.Equal(t, tt.status, body.Code)
			assert.NotEmpty(t, body.Description)
		})
	}
}

func TestGate_RateLimit(t *testing.T) {
	site, _ := newShop(t)
	agent := newAgent(t, site, "searcher", "search")
	ctx := context.Background()

	for range 2 {
		require.NoError(t, agent.Call(ctx, http.MethodGet, "/api/search", nil, "", nil))
	}

	token, err := agent.Token(ctx)
	require.NoError(t, err)
	resp := get(t, site.URL()+"/api/search", http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	body := decodeErrorBody(t, resp)
	assert.Equal(t, auth.KindRateLimitExceeded, body.Error)
	assert.Positive(t, body.RetryAfter)

	// Counters are per agent and endpoint.
	other := newAgent(t, site, "other-searcher", "search")
	assert.NoError(t, other.Call(ctx, http.MethodGet, "/api/search", nil, "", nil))
}

func TestChallenge_RateLimitPerIP(t *testing.T) {
	site := newTestSite(t, `
rate_limits:
  challenge_per_minute: 1
  challenge_burst: 1
`)

	resp := get(t, site.URL()+discovery.ChallengePath, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, site.URL()+discovery.ChallengePath, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, auth.KindRateLimitExceeded, decodeErrorBody(t, resp).Error)
}

func TestWhoami(t *testing.T) {
	site, _ := newShop(t)
	agent := newAgent(t, site, "introspector", "read", "search")

	var id IdentityResponse
	require.NoError(t, agent.Call(context.Background(), http.MethodGet, WhoamiPath, nil, "", &id))
	assert.Equal(t, "agent", id.Admission)
	assert.Equal(t, "read search", id.Agent.Scope)
	assert.False(t, id.Agent.ExpiresAt.IsZero())

	resp := get(t, site.URL()+WhoamiPath, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDelegation_EndToEnd(t *testing.T) {
	site, up := newShop(t)
	agent := newAgent(t, site, "concierge", "read", "orders:read")
	ctx := context.Background()

	summary, err := agent.RequestDelegation(ctx, delegation.Input{
		UserID:  "alice",
		Scopes:  []string{"orders:read", "search"},
		Purpose: "Check the status of recent orders",
	})
	require.NoError(t, err)
	assert.Equal(t, store.DelegationPending, summary.Status)
	assert.Equal(t, []string{"orders:read", "search"}, summary.RequiredScopes)
	assert.Equal(t, site.URL()+"/consent/"+summary.ID, summary.UserAuthURL)

	// Exchanging before the user decides is refused.
	_, err = agent.Exchange(ctx, delegation.ExchangeInput{RequestID: summary.ID, Code: "guess"})
	assert.True(t, client.IsKind(err, auth.KindAuthorizationPending), "got %v", err)

	decision, err := site.gw.broker.Consent(ctx, summary.ID, "alice", []string{"orders:read"})
	require.NoError(t, err)

	decided, err := agent.WaitForDecision(ctx, summary.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, store.DelegationConsented, decided.Status)

	userTok, err := agent.Exchange(ctx, delegation.ExchangeInput{RequestID: summary.ID, Code: decision.AuthorizationCode})
	require.NoError(t, err)
	assert.Equal(t, "orders:read", userTok.Scope)
	assert.Equal(t, "alice", userTok.UserInfo.ID)

	// The code is single use.
	_, err = agent.Exchange(ctx, delegation.ExchangeInput{RequestID: summary.ID, Code: decision.AuthorizationCode})
	assert.True(t, client.IsKind(err, auth.KindInvalidGrant), "got %v", err)

	// Delegated call reaches the upstream with the admitted identity only.
	var out map[string]string
	require.NoError(t, agent.Call(ctx, http.MethodGet, "/api/orders", nil, userTok.Token, &out))
	assert.Equal(t, "alice", out["orders_for"])
	assert.Equal(t, "concierge", out["via"])
	h := up.last()
	require.NotNil(t, h)
	assert.Empty(t, h.Get("Authorization"))
	assert.Empty(t, h.Get(auth.UserTokenHeader))
	assert.Equal(t, "orders:read", h.Get(HeaderUserScope))

	// Delegated calls are audited against the user token.
	action := store.AuditDelegatedCall
	entries, err := site.gw.store.ListAuditLog(ctx, store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "concierge", entries[0].Actor)
	assert.Equal(t, tokenID(t, userTok.Token), entries[0].TargetID)
	assert.Equal(t, "orders", entries[0].Detail["endpoint"])
}

func TestDelegation_UserTokenBoundToAgentToken(t *testing.T) {
	site, _ := newShop(t)
	concierge := newAgent(t, site, "concierge", "read", "orders:read")
	thief := newAgent(t, site, "thief", "read", "orders:read")

	userTok := delegate(t, site, concierge, "alice", "orders:read")

	err := thief.Call(context.Background(), http.MethodGet, "/api/orders", nil, userTok.Token, nil)
	assert.True(t, client.IsKind(err, auth.KindInvalidToken), "got %v", err)
}

func TestDelegation_DeniedAndForeignStatus(t *testing.T) {
	site, _ := newShop(t)
	agent := newAgent(t, site, "concierge", "read")
	other := newAgent(t, site, "nosy", "read")
	ctx := context.Background()

	summary, err := agent.RequestDelegation(ctx, delegation.Input{UserID: "bob", Scopes: []string{"read"}, Purpose: "Read profile"})
	require.NoError(t, err)

	_, err = other.DelegationStatus(ctx, summary.ID)
	assert.True(t, client.IsKind(err, auth.KindNotFound), "other agents cannot see the request")

	_, err = site.gw.broker.Deny(ctx, summary.ID, "bob")
	require.NoError(t, err)

	decided, err := agent.WaitForDecision(ctx, summary.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, store.DelegationDenied, decided.Status)

	_, err = agent.Exchange(ctx, delegation.ExchangeInput{RequestID: summary.ID, Code: "anything"})
	assert.True(t, client.IsKind(err, auth.KindInvalidGrant), "got %v", err)
}

func TestDelegation_Validation(t *testing.T) {
	site, _ := newShop(t)
	agent := newAgent(t, site, "concierge", "read")
	token, err := agent.Token(context.Background())
	require.NoError(t, err)

	tests := []struct {
		name string
		body any
		kind auth.Kind
	}{
		{"missing user", delegation.Input{Scopes: []string{"read"}, Purpose: "x"}, auth.KindInvalidRequest},
		{"missing purpose", delegation.Input{UserID: "alice", Scopes: []string{"read"}}, auth.KindInvalidRequest},
		{"undelegable scopes", delegation.Input{UserID: "alice", Scopes: []string{"admin"}, Purpose: "x"}, auth.KindInsufficientScope},
		{"bad pkce method", delegation.Input{UserID: "alice", Scopes: []string{"read"}, Purpose: "x", CodeChallenge: "abc", CodeChallengeMethod: "plain"}, auth.KindInvalidRequest},
		{"not json", "just a string", auth.KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, site.URL()+discovery.DelegatePath, token, tt.body)
			assert.Equal(t, tt.kind, decodeErrorBody(t, resp).Error)
		})
	}

	resp := postJSON(t, site.URL()+discovery.DelegatePath, "", delegation.Input{UserID: "alice", Scopes: []string{"read"}, Purpose: "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRevoke_AgentTokenCascades(t *testing.T) {
	site, _ := newShop(t)
	agent := newAgent(t, site, "concierge", "read", "orders:read")
	ctx := context.Background()

	userTok := delegate(t, site, agent, "alice", "orders:read")
	agentTokenID := agent.TokenID()
	oldToken, err := agent.Token(ctx)
	require.NoError(t, err)

	res, err := agent.Revoke(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, agentTokenID, res.TokenID)
	assert.Equal(t, 2, res.Revoked)

	for _, tok := range []string{oldToken, userTok.Token} {
		resp := get(t, site.URL()+"/api/orders", http.Header{
			"Authorization":      {"Bearer " + oldToken},
			auth.UserTokenHeader: {"Bearer " + tok},
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	rec, err := site.gw.store.GetToken(ctx, tokenID(t, userTok.Token))
	require.NoError(t, err)
	assert.NotNil(t, rec.RevokedAt)
}

func TestRevoke_UserTokenOnly(t *testing.T) {
	site, _ := newShop(t)
	agent := newAgent(t, site, "concierge", "read", "orders:read")
	other := newAgent(t, site, "other", "read")
	ctx := context.Background()

	userTok := delegate(t, site, agent, "alice", "orders:read")
	userTokenID := tokenID(t, userTok.Token)

	_, err := other.Revoke(ctx, userTokenID)
	assert.True(t, client.IsKind(err, auth.KindNotFound), "only the delegating agent may revoke")

	res, err := agent.Revoke(ctx, userTokenID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Revoked)

	err = agent.Call(ctx, http.MethodGet, "/api/orders", nil, userTok.Token, nil)
	assert.True(t, client.IsKind(err, auth.KindInvalidToken), "got %v", err)

	// The agent token itself is untouched.
	assert.NoError(t, agent.Call(ctx, http.MethodGet, "/api/profile", nil, "", nil))
}

func TestConsentPage_IsServed(t *testing.T) {
	site, _ := newShop(t)
	agent := newAgent(t, site, "concierge", "read")

	summary, err := agent.RequestDelegation(context.Background(), delegation.Input{UserID: "alice", Scopes: []string{"read"}, Purpose: "Read profile"})
	require.NoError(t, err)

	// Without a session the page refuses to render the request.
	resp := get(t, summary.UserAuthURL, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotContains(t, readBody(t, resp), "Read profile")
}
