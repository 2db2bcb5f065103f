// ABOUTME: Tests for the delegation broker state machine
// ABOUTME: Covers request limits, consent, denial, lazy expiry, binding, PKCE and single-use exchange

package delegation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentready-gateway/internal/auth"
	"github.com/2389/agentready-gateway/internal/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu        sync.Mutex
	callbacks []string
	decisions []Decision
}

func (n *recordingNotifier) Notify(_ context.Context, callbackURL string, d Decision) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks = append(n.callbacks, callbackURL)
	n.decisions = append(n.decisions, d)
}

type fixture struct {
	store    store.Store
	broker   *Broker
	signer   *auth.JWTVerifier
	notifier *recordingNotifier
	now      time.Time
}

func newFixture(t *testing.T, s store.Store) *fixture {
	t.Helper()
	f := &fixture{store: s, now: testNow, notifier: &recordingNotifier{}}
	clock := func() time.Time { return f.now }

	f.signer = auth.NewJWTVerifier([]byte("delegation-test-secret-32-bytes!"), "")
	f.signer.SetClock(clock)

	f.broker = NewBroker(Config{
		Store:         s,
		Tokens:        s,
		Audit:         s,
		Signer:        f.signer,
		Notifier:      f.notifier,
		BaseURL:       "https://shop.example/",
		AllowedScopes: []string{"booking", "payments", "profile"},
	})
	f.broker.SetClock(clock)
	return f
}

func newMemoryFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore(0, 0)
	t.Cleanup(func() { s.Close() })
	return newFixture(t, s)
}

// forEachStore runs fn against both store implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, f *fixture)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, newMemoryFixture(t))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, newFixture(t, s))
	})
}

// agent records an agent token valid for ttl and returns its claims.
func (f *fixture) agent(t *testing.T, agentID string, ttl time.Duration) *auth.Claims {
	t.Helper()
	rec := &store.TokenRecord{
		ID:          uuid.New().String(),
		Kind:        store.TokenKindAgent,
		Subject:     agentID,
		AgentID:     agentID,
		Scopes:      []string{"read"},
		Fingerprint: "fp-" + agentID,
		IssuedAt:    f.now,
		ExpiresAt:   f.now.Add(ttl),
	}
	require.NoError(t, f.store.SaveToken(context.Background(), rec))
	return auth.NewClaims(rec)
}

func (f *fixture) request(t *testing.T, agent *auth.Claims, in Input) *Summary {
	t.Helper()
	if in.UserID == "" {
		in.UserID = "alice"
	}
	if in.Purpose == "" {
		in.Purpose = "Book a table for two"
	}
	if in.Scopes == nil {
		in.Scopes = []string{"booking", "payments"}
	}
	sum, err := f.broker.RequestDelegation(context.Background(), agent, in)
	require.NoError(t, err)
	return sum
}

func requireKind(t *testing.T, err error, kind auth.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, auth.KindOf(err), "unexpected error: %v", err)
}

func TestRequestDelegation_AllowedScopesUnchanged(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		agent := f.agent(t, "agent-1", time.Hour)

		sum := f.request(t, agent, Input{Scopes: []string{"booking", "payments"}})

		assert.Equal(t, []string{"booking", "payments"}, sum.RequiredScopes)
		assert.Equal(t, store.DelegationPending, sum.Status)
		assert.Equal(t, "https://shop.example/consent/"+sum.ID, sum.UserAuthURL)
		assert.True(t, sum.ExpiresAt.Equal(testNow.Add(DefaultRequestTTL)), "expires at %v", sum.ExpiresAt)
	})
}

func TestRequestDelegation_FiltersToAllowList(t *testing.T) {
	f := newMemoryFixture(t)
	agent := f.agent(t, "agent-1", time.Hour)

	sum := f.request(t, agent, Input{Scopes: []string{"admin", "booking"}})
	assert.Equal(t, []string{"booking"}, sum.RequiredScopes)

	_, err := f.broker.RequestDelegation(context.Background(), agent, Input{UserID: "alice", Purpose: "x", Scopes: []string{"admin"}})
	requireKind(t, err, auth.KindInsufficientScope)
}

func TestRequestDelegation_ExpiryCappedByAgentToken(t *testing.T) {
	f := newMemoryFixture(t)
	agent := f.agent(t, "agent-1", 5*time.Minute)

	sum := f.request(t, agent, Input{})
	assert.True(t, sum.ExpiresAt.Equal(testNow.Add(5*time.Minute)), "expires at %v", sum.ExpiresAt)
}

func TestRequestDelegation_Validation(t *testing.T) {
	f := newMemoryFixture(t)
	agent := f.agent(t, "agent-1", time.Hour)
	expired := f.agent(t, "agent-2", -time.Minute)

	tests := []struct {
		name  string
		agent *auth.Claims
		in    Input
		want  auth.Kind
	}{
		{"no agent", nil, Input{UserID: "alice", Purpose: "p", Scopes: []string{"booking"}}, auth.KindInvalidToken},
		{"expired agent", expired, Input{UserID: "alice", Purpose: "p", Scopes: []string{"booking"}}, auth.KindInvalidToken},
		{"missing user", agent, Input{Purpose: "p", Scopes: []string{"booking"}}, auth.KindInvalidRequest},
		{"missing purpose", agent, Input{UserID: "alice", Scopes: []string{"booking"}}, auth.KindInvalidRequest},
		{"relative callback", agent, Input{UserID: "alice", Purpose: "p", Scopes: []string{"booking"}, CallbackURL: "/hook"}, auth.KindInvalidRequest},
		{"plain pkce", agent, Input{UserID: "alice", Purpose: "p", Scopes: []string{"booking"}, CodeChallenge: "abc", CodeChallengeMethod: "plain"}, auth.KindInvalidRequest},
		{"method without challenge", agent, Input{UserID: "alice", Purpose: "p", Scopes: []string{"booking"}, CodeChallengeMethod: "S256"}, auth.KindInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.broker.RequestDelegation(context.Background(), tt.agent, tt.in)
			requireKind(t, err, tt.want)
		})
	}
}

func TestRequestDelegation_PendingLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		agent := f.agent(t, "agent-1", time.Hour)

		var first *Summary
		for i := range DefaultMaxPending {
			sum := f.request(t, agent, Input{})
			if i == 0 {
				first = sum
			}
		}

		// The oldest pending request expires first and frees a slot.
		f.now = f.now.Add(5 * time.Minute)
		_, err := f.broker.RequestDelegation(ctx, agent, Input{UserID: "alice", Purpose: "p", Scopes: []string{"booking"}})
		requireKind(t, err, auth.KindDelegationLimit)
		assert.Equal(t, int((DefaultRequestTTL - 5*time.Minute).Seconds()), auth.AsError(err).RetryAfter)

		rec := httptest.NewRecorder()
		auth.WriteError(rec, nil, err)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "600", rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), `"retryAfter":600`)

		// Another agent token has its own budget.
		f.request(t, f.agent(t, "agent-2", time.Hour), Input{})

		// Deciding a request frees a slot.
		_, err = f.broker.Deny(ctx, first.ID, "alice")
		require.NoError(t, err)
		f.request(t, agent, Input{})
	})
}

func TestExchange_ConsentThenExchangeOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		agent := f.agent(t, "agent-1", time.Hour)
		sum := f.request(t, agent, Input{CallbackURL: "https://agent.example/hook"})

		d, err := f.broker.Consent(ctx, sum.ID, "alice", nil)
		require.NoError(t, err)
		assert.Equal(t, store.DelegationConsented, d.Status)
		require.NotEmpty(t, d.AuthorizationCode)

		f.now = f.now.Add(time.Minute)
		tok, err := f.broker.Exchange(ctx, agent, ExchangeInput{RequestID: sum.ID, Code: d.AuthorizationCode})
		require.NoError(t, err)
		assert.Equal(t, "Bearer", tok.TokenType)
		assert.Equal(t, "booking payments", tok.Scope)
		assert.Equal(t, "alice", tok.UserInfo.ID)

		claims, err := f.signer.VerifyToken(tok.Token, auth.TokenTypeUser)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Subject)
		assert.Equal(t, agent.ID, claims.AgentTokenID)
		assert.Equal(t, "agent-1", claims.Actor)

		rec, err := f.store.GetToken(ctx, tok.TokenID)
		require.NoError(t, err)
		assert.Equal(t, agent.ID, rec.ParentID)
		assert.False(t, rec.ExpiresAt.After(agent.ExpiresAt.Time), "user token outlives agent token")

		// Codes are single-use.
		_, err = f.broker.Exchange(ctx, agent, ExchangeInput{RequestID: sum.ID, Code: d.AuthorizationCode})
		requireKind(t, err, auth.KindInvalidGrant)

		status, err := f.broker.Status(ctx, agent, sum.ID)
		require.NoError(t, err)
		assert.Equal(t, store.DelegationExchanged, status.Status)

		require.Len(t, f.notifier.decisions, 1)
		assert.Equal(t, "https://agent.example/hook", f.notifier.callbacks[0])
		assert.Equal(t, d.AuthorizationCode, f.notifier.decisions[0].AuthorizationCode)
	})
}

func TestExchange_ConcurrentAttempts(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		agent := f.agent(t, "agent-1", time.Hour)
		sum := f.request(t, agent, Input{})
		d, err := f.broker.Consent(ctx, sum.ID, "alice", nil)
		require.NoError(t, err)

		const attempts = 10
		var wg sync.WaitGroup
		errs := make(chan error, attempts)
		for range attempts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.broker.Exchange(ctx, agent, ExchangeInput{RequestID: sum.ID, Code: d.AuthorizationCode})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		succeeded := 0
		for err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.Equal(t, auth.KindInvalidGrant, auth.KindOf(err), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, succeeded)

		kind := store.TokenKindUser
		users, err := f.store.ListTokens(ctx, store.TokenFilter{Kind: &kind})
		require.NoError(t, err)
		assert.Len(t, users, 1)
	})
}

func TestExchange_AfterDenial(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		agent := f.agent(t, "agent-1", time.Hour)
		sum := f.request(t, agent, Input{})

		d, err := f.broker.Deny(ctx, sum.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, store.DelegationDenied, d.Status)
		assert.Empty(t, d.AuthorizationCode)

		_, err = f.broker.Exchange(ctx, agent, ExchangeInput{RequestID: sum.ID, Code: "anything"})
		requireKind(t, err, auth.KindInvalidGrant)

		// A denied request can never be approved afterwards.
		_, err = f.broker.Consent(ctx, sum.ID, "alice", nil)
		requireKind(t, err, auth.KindInvalidGrant)
	})
}

func TestExchange_Pending(t *testing.T) {
	f := newMemoryFixture(t)
	agent := f.agent(t, "agent-1", time.Hour)
	sum := f.request(t, agent, Input{})

	_, err := f.broker.Exchange(context.Background(), agent, ExchangeInput{RequestID: sum.ID, Code: "guess"})
	requireKind(t, err, auth.KindAuthorizationPending)
}

func TestLazyExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		agent := f.agent(t, "agent-1", time.Hour)
		sum := f.request(t, agent, Input{})

		f.now = sum.ExpiresAt

		status, err := f.broker.Status(ctx, agent, sum.ID)
		require.NoError(t, err)
		assert.Equal(t, store.DelegationExpired, status.Status)

		_, err = f.broker.Consent(ctx, sum.ID, "alice", nil)
		requireKind(t, err, auth.KindExpiredRequest)

		_, err = f.broker.Exchange(ctx, agent, ExchangeInput{RequestID: sum.ID, Code: "anything"})
		requireKind(t, err, auth.KindExpiredRequest)

		_, err = f.broker.Deny(ctx, sum.ID, "alice")
		requireKind(t, err, auth.KindExpiredRequest)
	})
}

func TestExchange_Rejections(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "agent-1", time.Hour)
	other := f.agent(t, "agent-1", time.Hour)
	sum := f.request(t, agent, Input{})
	d, err := f.broker.Consent(ctx, sum.ID, "alice", nil)
	require.NoError(t, err)

	tests := []struct {
		name  string
		agent *auth.Claims
		in    ExchangeInput
		want  auth.Kind
	}{
		{"missing code", agent, ExchangeInput{RequestID: sum.ID}, auth.KindInvalidRequest},
		{"unknown request", agent, ExchangeInput{RequestID: "nope", Code: d.AuthorizationCode}, auth.KindInvalidGrant},
		{"different agent token", other, ExchangeInput{RequestID: sum.ID, Code: d.AuthorizationCode}, auth.KindInvalidGrant},
		{"wrong code", agent, ExchangeInput{RequestID: sum.ID, Code: "wrong"}, auth.KindInvalidGrant},
		{"no agent", nil, ExchangeInput{RequestID: sum.ID, Code: d.AuthorizationCode}, auth.KindInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.broker.Exchange(ctx, tt.agent, tt.in)
			requireKind(t, err, tt.want)
		})
	}

	// Failed attempts do not burn the request for its rightful holder.
	_, err = f.broker.Exchange(ctx, agent, ExchangeInput{RequestID: sum.ID, Code: d.AuthorizationCode})
	require.NoError(t, err)

	action := store.AuditRejectExchange
	entries, err := f.store.ListAuditLog(ctx, store.AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestExchange_CodeExpires(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "agent-1", time.Hour)
	sum := f.request(t, agent, Input{})
	d, err := f.broker.Consent(ctx, sum.ID, "alice", nil)
	require.NoError(t, err)

	f.now = f.now.Add(DefaultCodeTTL)
	_, err = f.broker.Exchange(ctx, agent, ExchangeInput{RequestID: sum.ID, Code: d.AuthorizationCode})
	requireKind(t, err, auth.KindInvalidGrant)
}

func TestExchange_PKCE(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "agent-1", time.Hour)

	verifier, err := NewVerifier()
	require.NoError(t, err)
	sum := f.request(t, agent, Input{CodeChallenge: S256Challenge(verifier)})
	d, err := f.broker.Consent(ctx, sum.ID, "alice", nil)
	require.NoError(t, err)

	_, err = f.broker.Exchange(ctx, agent, ExchangeInput{RequestID: sum.ID, Code: d.AuthorizationCode})
	requireKind(t, err, auth.KindInvalidGrant)

	_, err = f.broker.Exchange(ctx, agent, ExchangeInput{RequestID: sum.ID, Code: d.AuthorizationCode, CodeVerifier: "not-the-verifier"})
	requireKind(t, err, auth.KindInvalidGrant)

	_, err = f.broker.Exchange(ctx, agent, ExchangeInput{RequestID: sum.ID, Code: d.AuthorizationCode, CodeVerifier: verifier})
	require.NoError(t, err)
}

func TestExchange_UserTokenNeverOutlivesAgentToken(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "agent-1", 30*time.Minute)
	sum := f.request(t, agent, Input{SessionDuration: int64((2 * time.Hour).Seconds())})
	d, err := f.broker.Consent(ctx, sum.ID, "alice", nil)
	require.NoError(t, err)

	f.now = f.now.Add(4 * time.Minute)
	tok, err := f.broker.Exchange(ctx, agent, ExchangeInput{RequestID: sum.ID, Code: d.AuthorizationCode})
	require.NoError(t, err)

	assert.True(t, tok.DelegationExpiresAt.Equal(agent.ExpiresAt.Time))
	assert.Equal(t, int((26 * time.Minute).Seconds()), tok.ExpiresIn)
}

func TestExchange_SessionDurationHonoured(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "agent-1", time.Hour)
	sum := f.request(t, agent, Input{SessionDuration: 600})
	d, err := f.broker.Consent(ctx, sum.ID, "alice", nil)
	require.NoError(t, err)

	tok, err := f.broker.Exchange(ctx, agent, ExchangeInput{RequestID: sum.ID, Code: d.AuthorizationCode})
	require.NoError(t, err)
	assert.Equal(t, 600, tok.ExpiresIn)
}

func TestExchange_RevokedAgentToken(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "agent-1", time.Hour)
	sum := f.request(t, agent, Input{})
	d, err := f.broker.Consent(ctx, sum.ID, "alice", nil)
	require.NoError(t, err)

	_, err = f.store.RevokeToken(ctx, agent.ID, f.now)
	require.NoError(t, err)

	_, err = f.broker.Exchange(ctx, agent, ExchangeInput{RequestID: sum.ID, Code: d.AuthorizationCode})
	requireKind(t, err, auth.KindInvalidToken)
}

func TestConsent_PartialScopes(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "agent-1", time.Hour)
	sum := f.request(t, agent, Input{})

	_, err := f.broker.Consent(ctx, sum.ID, "alice", []string{"profile"})
	requireKind(t, err, auth.KindInvalidRequest)

	d, err := f.broker.Consent(ctx, sum.ID, "alice", []string{"booking"})
	require.NoError(t, err)
	assert.Equal(t, []string{"booking"}, d.ConsentedScopes)

	tok, err := f.broker.Exchange(ctx, agent, ExchangeInput{RequestID: sum.ID, Code: d.AuthorizationCode})
	require.NoError(t, err)
	assert.Equal(t, "booking", tok.Scope)
}

func TestConsent_WrongUser(t *testing.T) {
	f := newMemoryFixture(t)
	agent := f.agent(t, "agent-1", time.Hour)
	sum := f.request(t, agent, Input{})

	_, err := f.broker.Consent(context.Background(), sum.ID, "mallory", nil)
	requireKind(t, err, auth.KindAccessDenied)

	_, err = f.broker.Deny(context.Background(), sum.ID, "mallory")
	requireKind(t, err, auth.KindAccessDenied)
}

func TestConsent_Unknown(t *testing.T) {
	f := newMemoryFixture(t)

	_, err := f.broker.Consent(context.Background(), "missing", "alice", nil)
	requireKind(t, err, auth.KindNotFound)
}

func TestStatus_OtherAgentToken(t *testing.T) {
	f := newMemoryFixture(t)
	agent := f.agent(t, "agent-1", time.Hour)
	sum := f.request(t, agent, Input{})

	_, err := f.broker.Status(context.Background(), f.agent(t, "agent-2", time.Hour), sum.ID)
	requireKind(t, err, auth.KindNotFound)
}

func TestNotifier_SkippedWithoutCallback(t *testing.T) {
	f := newMemoryFixture(t)
	agent := f.agent(t, "agent-1", time.Hour)
	sum := f.request(t, agent, Input{})

	_, err := f.broker.Deny(context.Background(), sum.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, f.notifier.decisions)
}

func TestPKCEHelpers(t *testing.T) {
	// RFC 7636 appendix B example.
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", S256Challenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))

	code, hash, err := newCode(bytesReader(0x42))
	require.NoError(t, err)
	assert.True(t, codeMatches(code, hash))
	assert.False(t, codeMatches(code+"x", hash))
	assert.Len(t, hash, 64)
}

type bytesReader byte

func (b bytesReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(b)
	}
	return len(p), nil
}
