// ABOUTME: Tests for the consent page and the webhook notifier
// ABOUTME: Drives a real broker through session checks, CSRF, approve, deny and expiry

package consent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentready-gateway/internal/auth"
	"github.com/2389/agentready-gateway/internal/delegation"
	"github.com/2389/agentready-gateway/internal/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testCSRF = "csrf-token-value"

type fixture struct {
	store    *store.MemoryStore
	broker   *delegation.Broker
	sessions *auth.JWTVerifier
	mux      *http.ServeMux
	agent    *auth.Claims
	now      time.Time
}

func newFixture(t *testing.T, loginURL string) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemoryStore(0, 0), now: testNow}
	t.Cleanup(func() { f.store.Close() })
	clock := func() time.Time { return f.now }

	signer := auth.NewJWTVerifier([]byte("token-secret-for-consent-tests!!"), "")
	signer.SetClock(clock)
	f.sessions = auth.NewJWTVerifier([]byte("session-secret-for-consent-tests"), "")

	f.broker = delegation.NewBroker(delegation.Config{
		Store:         f.store,
		Tokens:        f.store,
		Audit:         f.store,
		Signer:        signer,
		BaseURL:       "https://shop.example",
		AllowedScopes: []string{"booking", "payments"},
	})
	f.broker.SetClock(clock)

	rec := &store.TokenRecord{
		ID:        "agent-jti",
		Kind:      store.TokenKindAgent,
		Subject:   "travel-bot",
		AgentID:   "travel-bot",
		Scopes:    []string{"read"},
		IssuedAt:  f.now,
		ExpiresAt: f.now.Add(time.Hour),
	}
	require.NoError(t, f.store.SaveToken(context.Background(), rec))
	f.agent = auth.NewClaims(rec)

	f.mux = http.NewServeMux()
	f.mux.Handle("/consent/{id}", New(Config{Broker: f.broker, Sessions: f.sessions, LoginURL: loginURL}))
	return f
}

func (f *fixture) request(t *testing.T, purpose, callback string) string {
	t.Helper()
	sum, err := f.broker.RequestDelegation(context.Background(), f.agent, delegation.Input{
		UserID:      "alice",
		Scopes:      []string{"booking", "payments"},
		Purpose:     purpose,
		CallbackURL: callback,
	})
	require.NoError(t, err)
	return sum.ID
}

func (f *fixture) session(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.sessions.Generate(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *fixture) get(t *testing.T, id, session string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/consent/"+id, nil)
	if session != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: session})
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) post(t *testing.T, id, session string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/consent/"+id, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: session})
	req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: testCSRF})
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decisionForm(action string, scopes ...string) url.Values {
	form := url.Values{"csrf_token": {testCSRF}, "action": {action}}
	if len(scopes) > 0 {
		form.Set("scope_selection", "1")
		form["scope"] = scopes
	}
	return form
}

var codePattern = regexp.MustCompile(`class="code">([A-Za-z0-9_-]+)<`)

func TestConsentPage_RequiresSession(t *testing.T) {
	f := newFixture(t, "")
	id := f.request(t, "Book a table", "")

	rec := f.get(t, id, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Sign in required")

	other := auth.NewJWTVerifier([]byte("some-other-secret"), "")
	forged, err := other.Generate("alice", time.Hour)
	require.NoError(t, err)
	rec = f.get(t, id, forged)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConsentPage_RedirectsToLogin(t *testing.T) {
	f := newFixture(t, "https://shop.example/login")
	id := f.request(t, "Book a table", "")

	rec := f.get(t, id, "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://shop.example/login?return_to=%2Fconsent%2F"+id, rec.Header().Get("Location"))
}

func TestConsentPage_RendersRequest(t *testing.T) {
	f := newFixture(t, "")
	id := f.request(t, "Book **two** seats <script>alert(1)</script>", "")

	rec := f.get(t, id, f.session(t, "alice"))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "travel-bot")
	assert.Contains(t, body, "<strong>two</strong>")
	assert.NotContains(t, body, "<script>alert(1)</script>")
	assert.Contains(t, body, `value="booking"`)
	assert.Contains(t, body, `value="payments"`)
	assert.Contains(t, body, "1 hour after you allow it")
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var csrf *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == CSRFCookieName {
			csrf = c
		}
	}
	require.NotNil(t, csrf)
	assert.Contains(t, body, `name="csrf_token" value="`+csrf.Value+`"`)
}

func TestConsentPage_SessionFromAuthorizationHeader(t *testing.T) {
	f := newFixture(t, "")
	id := f.request(t, "Book a table", "")

	req := httptest.NewRequest(http.MethodGet, "/consent/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+f.session(t, "alice"))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConsentPage_OtherUser(t *testing.T) {
	f := newFixture(t, "")
	id := f.request(t, "Book a table", "")

	rec := f.get(t, id, f.session(t, "bob"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.post(t, id, f.session(t, "bob"), decisionForm("approve"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req, err := f.broker.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.DelegationPending, req.Status)
}

func TestConsentPage_UnknownRequest(t *testing.T) {
	f := newFixture(t, "")

	rec := f.get(t, "does-not-exist", f.session(t, "alice"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConsentPage_ApproveShowsCode(t *testing.T) {
	f := newFixture(t, "")
	id := f.request(t, "Book a table", "")

	rec := f.post(t, id, f.session(t, "alice"), decisionForm("approve"))
	require.Equal(t, http.StatusOK, rec.Code)

	m := codePattern.FindStringSubmatch(rec.Body.String())
	require.Len(t, m, 2, "authorization code not shown")

	tok, err := f.broker.Exchange(context.Background(), f.agent, delegation.ExchangeInput{RequestID: id, Code: m[1]})
	require.NoError(t, err)
	assert.Equal(t, "booking payments", tok.Scope)

	// A decided request cannot be decided again.
	rec = f.post(t, id, f.session(t, "alice"), decisionForm("deny"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Already decided")
}

func TestConsentPage_ApproveWithCallbackHidesCode(t *testing.T) {
	f := newFixture(t, "")
	id := f.request(t, "Book a table", "https://agent.example/hook")

	rec := f.post(t, id, f.session(t, "alice"), decisionForm("approve"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Access granted")
	assert.False(t, codePattern.MatchString(rec.Body.String()))
}

func TestConsentPage_PartialApproval(t *testing.T) {
	f := newFixture(t, "")
	id := f.request(t, "Book a table", "")

	rec := f.post(t, id, f.session(t, "alice"), decisionForm("approve", "booking"))
	require.Equal(t, http.StatusOK, rec.Code)

	req, err := f.broker.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"booking"}, req.ConsentedScopes)
}

func TestConsentPage_ApproveNothingSelected(t *testing.T) {
	f := newFixture(t, "")
	id := f.request(t, "Book a table", "")

	form := decisionForm("approve")
	form.Set("scope_selection", "1")
	rec := f.post(t, id, f.session(t, "alice"), form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req, err := f.broker.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.DelegationPending, req.Status)
}

func TestConsentPage_Deny(t *testing.T) {
	f := newFixture(t, "")
	id := f.request(t, "Book a table", "")

	rec := f.post(t, id, f.session(t, "alice"), decisionForm("deny"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Request denied")

	req, err := f.broker.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.DelegationDenied, req.Status)

	rec = f.get(t, id, f.session(t, "alice"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "already been denied")
}

func TestConsentPage_RejectsMissingCSRF(t *testing.T) {
	f := newFixture(t, "")
	id := f.request(t, "Book a table", "")

	form := decisionForm("approve")
	form.Set("csrf_token", "wrong")
	rec := f.post(t, id, f.session(t, "alice"), form)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req, err := f.broker.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.DelegationPending, req.Status)
}

func TestConsentPage_UnknownAction(t *testing.T) {
	f := newFixture(t, "")
	id := f.request(t, "Book a table", "")

	rec := f.post(t, id, f.session(t, "alice"), decisionForm("maybe"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsentPage_Expired(t *testing.T) {
	f := newFixture(t, "")
	id := f.request(t, "Book a table", "")
	f.now = f.now.Add(delegation.DefaultRequestTTL)

	rec := f.get(t, id, f.session(t, "alice"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Request expired")

	rec = f.post(t, id, f.session(t, "alice"), decisionForm("approve"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Request expired")
}

func TestConsentPage_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, "")

	req := httptest.NewRequest(http.MethodDelete, "/consent/x", nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1 hour", formatDuration(time.Hour))
	assert.Equal(t, "24 hours", formatDuration(24*time.Hour))
	assert.Equal(t, "1 minute", formatDuration(time.Minute))
	assert.Equal(t, "90 minutes", formatDuration(90*time.Minute))
	assert.Equal(t, "1m30s", formatDuration(90*time.Second))
}

func TestWebhookNotifier_Delivers(t *testing.T) {
	var (
		mu   sync.Mutex
		got  delegation.Decision
		ctyp string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		ctyp = r.Header.Get("Content-Type")
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.Client(), time.Second, 1, nil)

	// The delivery must survive the caller's context being cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	n.Notify(ctx, srv.URL, delegation.Decision{
		RequestID:         "req-1",
		Status:            store.DelegationConsented,
		AuthorizationCode: "code-1",
	})
	cancel()
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "application/json", ctyp)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, store.DelegationConsented, got.Status)
	assert.Equal(t, "code-1", got.AuthorizationCode)
}

func TestWebhookNotifier_Retries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.Client(), time.Second, 3, nil)
	n.backoff = time.Millisecond

	n.Notify(context.Background(), srv.URL, delegation.Decision{RequestID: "req-1", Status: store.DelegationDenied})
	n.Wait()

	assert.Equal(t, int32(3), hits.Load())
}

func TestWebhookNotifier_GivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.Client(), time.Second, 2, nil)
	n.backoff = time.Millisecond

	n.Notify(context.Background(), srv.URL, delegation.Decision{RequestID: "req-1", Status: store.DelegationDenied})
	n.Wait()

	assert.Equal(t, int32(2), hits.Load())
}

var _ delegation.Notifier = (*WebhookNotifier)(nil)
