// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Provides nonce, token registry and delegation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, requires cgo
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite(DriverModernc, path)
}

// OpenSQLite creates a new SQLite store with the named driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverCGO:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "driver", driver, "path", path)
	return s, nil
}

// dsn appends per-connection pragmas in the syntax each driver understands, so
// every pooled connection gets WAL, foreign keys and a busy timeout.
func dsn(driver, path string) string {
	if driver == DriverCGO {
		return path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// createSchema creates the database tables if they don't exist.
// Timestamps that take part in comparisons are stored as unix nanoseconds.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS nonces (
			value      TEXT PRIMARY KEY,
			issued_at  INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			consumed   INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_nonces_expires ON nonces(expires_at);

		CREATE TABLE IF NOT EXISTS tokens (
			token_id    TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			subject     TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			parent_id   TEXT,
			scopes      TEXT NOT NULL,
			fingerprint TEXT,
			issued_at   INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL,
			revoked_at  INTEGER,

			CHECK (kind IN ('agent', 'user'))
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_parent ON tokens(parent_id);
		CREATE INDEX IF NOT EXISTS idx_tokens_subject ON tokens(subject);
		CREATE INDEX IF NOT EXISTS idx_tokens_expires ON tokens(expires_at);

		CREATE TABLE IF NOT EXISTS delegations (
			request_id            TEXT PRIMARY KEY,
			agent_token_id        TEXT NOT NULL,
			agent_id              TEXT NOT NULL,
			user_id               TEXT NOT NULL,
			scopes                TEXT NOT NULL,
			consented_scopes      TEXT,
			purpose               TEXT NOT NULL,
			callback_url          TEXT,
			session_duration      INTEGER NOT NULL,
			code_challenge        TEXT,
			code_challenge_method TEXT,
			code_hash             TEXT,
			code_expires_at       INTEGER,
			status                TEXT NOT NULL,
			created_at            INTEGER NOT NULL,
			expires_at            INTEGER NOT NULL,
			decided_at            INTEGER,
			exchanged_at          INTEGER,

			CHECK (status IN ('pending_user_consent', 'consented', 'denied', 'expired', 'exchanged'))
		);

		CREATE INDEX IF NOT EXISTS idx_delegations_agent_status ON delegations(agent_token_id, status);
		CREATE INDEX IF NOT EXISTS idx_delegations_user ON delegations(user_id);
		CREATE INDEX IF NOT EXISTS idx_delegations_expires ON delegations(expires_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          INTEGER NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if an error is a SQLite constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// Timestamps are stored as unix nanoseconds so sub-second ordering survives.
func toUnixNano(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toUnixNano(*t)
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNano(n.Int64)
	return &t
}

// optString converts an optional filter value to a query argument.
func optString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// nullString converts empty strings to NULL for database storage.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SaveNonce records a freshly issued nonce.
func (s *SQLiteStore) SaveNonce(ctx context.Context, n *Nonce) error {
	query := `
		INSERT INTO nonces (value, issued_at, expires_at, consumed)
		VALUES (?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, n.Value, toUnixNano(n.IssuedAt), toUnixNano(n.ExpiresAt), n.Consumed)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting nonce: %w", err)
	}
	return nil
}

// ConsumeNonce atomically burns a nonce. The single conditional UPDATE is the
// check-and-mark: two concurrent callers cannot both see a row affected.
func (s *SQLiteStore) ConsumeNonce(ctx context.Context, value string, now time.Time) (NonceState, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nonces SET consumed = 1 WHERE value = ? AND consumed = 0 AND expires_at > ?`,
		value, toUnixNano(now),
	)
	if err != nil {
		return NonceUnknown, fmt.Errorf("consuming nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return NonceUnknown, fmt.Errorf("consuming nonce: %w", err)
	}
	if n == 1 {
		return NonceValid, nil
	}

	var consumed bool
	err = s.db.QueryRowContext(ctx, `SELECT consumed FROM nonces WHERE value = ?`, value).Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return NonceUnknown, nil
	}
	if err != nil {
		return NonceUnknown, fmt.Errorf("looking up nonce: %w", err)
	}
	if consumed {
		return NonceUnknown, nil
	}

	// Unconsumed but past expiry: burn it so it can never match again.
	if _, err := s.db.ExecContext(ctx, `UPDATE nonces SET consumed = 1 WHERE value = ?`, value); err != nil {
		return NonceExpired, fmt.Errorf("burning expired nonce: %w", err)
	}
	return NonceExpired, nil
}

// PurgeNonces deletes nonces that have expired.
func (s *SQLiteStore) PurgeNonces(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at <= ?`, toUnixNano(now))
	if err != nil {
		return 0, fmt.Errorf("purging nonces: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
