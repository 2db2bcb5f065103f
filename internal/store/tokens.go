// ABOUTME: Token registry store methods for issued agent and user tokens
// ABOUTME: Supports lookup, listing, cascading revocation and expiry purge

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveToken records an issued token.
func (s *SQLiteStore) SaveToken(ctx context.Context, t *TokenRecord) error {
	query := `
		INSERT INTO tokens (token_id, kind, subject, agent_id, parent_id, scopes, fingerprint, issued_at, expires_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		string(t.Kind),
		t.Subject,
		t.AgentID,
		nullString(t.ParentID),
		JoinScopes(t.Scopes),
		nullString(t.Fingerprint),
		toUnixNano(t.IssuedAt),
		toUnixNano(t.ExpiresAt),
		nullTime(t.RevokedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting token: %w", err)
	}

	s.logger.Debug("saved token", "id", t.ID, "kind", t.Kind, "subject", t.Subject)
	return nil
}

const tokenColumns = `token_id, kind, subject, agent_id, parent_id, scopes, fingerprint, issued_at, expires_at, revoked_at`

func scanToken(scanner interface{ Scan(dest ...any) error }) (*TokenRecord, error) {
	var t TokenRecord
	var kind, scopes string
	var parentID, fingerprint sql.NullString
	var issuedAt, expiresAt int64
	var revokedAt sql.NullInt64

	if err := scanner.Scan(
		&t.ID,
		&kind,
		&t.Subject,
		&t.AgentID,
		&parentID,
		&scopes,
		&fingerprint,
		&issuedAt,
		&expiresAt,
		&revokedAt,
	); err != nil {
		return nil, err
	}

	t.Kind = TokenKind(kind)
	t.ParentID = parentID.String
	t.Fingerprint = fingerprint.String
	t.Scopes = SplitScopes(scopes)
	t.IssuedAt = fromUnixNano(issuedAt)
	t.ExpiresAt = fromUnixNano(expiresAt)
	t.RevokedAt = timePtr(revokedAt)
	return &t, nil
}

// GetToken retrieves a token record by ID.
// Returns ErrNotFound if the token doesn't exist.
func (s *SQLiteStore) GetToken(ctx context.Context, id string) (*TokenRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_id = ?`, id)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}
	return t, nil
}

const listTokensQuery = `
	SELECT ` + tokenColumns + `
	FROM tokens
	WHERE (? IS NULL OR kind = ?)
	  AND (? IS NULL OR subject = ?)
	  AND (? IS NULL OR parent_id = ?)
	  AND (? OR revoked_at IS NULL)
	ORDER BY issued_at DESC
	LIMIT ?
`

// ListTokens returns token records matching the filter, newest first.
func (s *SQLiteStore) ListTokens(ctx context.Context, f TokenFilter) ([]*TokenRecord, error) {
	var kind any
	if f.Kind != nil {
		kind = string(*f.Kind)
	}

	rows, err := s.db.QueryContext(ctx, listTokensQuery,
		kind, kind,
		optString(f.Subject), optString(f.Subject),
		optString(f.ParentID), optString(f.ParentID),
		f.IncludeRevoked,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tokens := []*TokenRecord{}
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tokens: %w", err)
	}
	return tokens, nil
}

// RevokeToken revokes a token and all tokens delegated from it in one statement.
func (s *SQLiteStore) RevokeToken(ctx context.Context, id string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked_at = ? WHERE (token_id = ? OR parent_id = ?) AND revoked_at IS NULL`,
		toUnixNano(at), id, id,
	)
	if err != nil {
		return 0, fmt.Errorf("revoking token: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetToken(ctx, id); err != nil {
			return 0, err
		}
	}

	s.logger.Info("revoked token", "id", id, "revoked", n)
	return int(n), nil
}

// PurgeTokens deletes token records that have passed their natural expiry.
// Expired tokens are rejected by signature validation regardless of the registry.
func (s *SQLiteStore) PurgeTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE expires_at <= ?`, toUnixNano(now))
	if err != nil {
		return 0, fmt.Errorf("purging tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
