// ABOUTME: Shared test helpers for admin package tests
// ABOUTME: Provides a SQLite-backed service and fixtures for seeding tokens and delegations

package admin

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/agentready-gateway/internal/auth"
	"github.com/2389/agentready-gateway/internal/store"
)

// testSecret is a 32-byte secret that meets the minimum session secret length.
var testSecret = []byte("admin-token-test-secret-32bytes!")

// testNow is the fixed clock every test service runs on.
var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	s := createTestStore(t)
	svc := NewService(s, auth.NewJWTVerifier(testSecret, ""), slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.SetClock(func() time.Time { return testNow })
	return svc, s
}

func seedToken(t *testing.T, s store.TokenStore, id string, kind store.TokenKind, subject, parent string) *store.TokenRecord {
	t.Helper()
	rec := &store.TokenRecord{
		ID:        id,
		Kind:      kind,
		Subject:   subject,
		AgentID:   subject,
		ParentID:  parent,
		Scopes:    []string{"read"},
		IssuedAt:  testNow.Add(-time.Minute),
		ExpiresAt: testNow.Add(time.Hour),
	}
	if kind == store.TokenKindUser {
		rec.AgentID = "agent-of-" + parent
	}
	require.NoError(t, s.SaveToken(context.Background(), rec))
	return rec
}
