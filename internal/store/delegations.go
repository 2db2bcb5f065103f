// ABOUTME: Delegation request store methods backing the user-consent flow
// ABOUTME: Status changes are compare-and-swap updates so each request is consumed at most once

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateDelegation inserts a pending delegation request. The pending-count check and
// the insert are a single INSERT ... SELECT so concurrent requests cannot overshoot.
func (s *SQLiteStore) CreateDelegation(ctx context.Context, r *DelegationRequest, maxPending int) error {
	query := `
		INSERT INTO delegations (
			request_id, agent_token_id, agent_id, user_id, scopes, consented_scopes, purpose,
			callback_url, session_duration, code_challenge, code_challenge_method, code_hash,
			code_expires_at, status, created_at, expires_at, decided_at, exchanged_at
		)
		SELECT ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, NULL, NULL
		WHERE ? <= 0 OR (
			SELECT COUNT(*) FROM delegations
			WHERE agent_token_id = ? AND status = ? AND expires_at > ?
		) < ?
	`

	res, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.AgentTokenID,
		r.AgentID,
		r.UserID,
		JoinScopes(r.Scopes),
		r.Purpose,
		nullString(r.CallbackURL),
		int64(r.SessionDuration),
		nullString(r.CodeChallenge),
		nullString(r.CodeChallengeMethod),
		string(r.Status),
		toUnixNano(r.CreatedAt),
		toUnixNano(r.ExpiresAt),
		maxPending,
		r.AgentTokenID, string(DelegationPending), toUnixNano(r.CreatedAt),
		maxPending,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting delegation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting delegation: %w", err)
	}
	if n == 0 {
		return ErrPendingLimit
	}

	s.logger.Debug("created delegation", "id", r.ID, "agent", r.AgentID, "user", r.UserID)
	return nil
}

const delegationColumns = `
	request_id, agent_token_id, agent_id, user_id, scopes, consented_scopes, purpose,
	callback_url, session_duration, code_challenge, code_challenge_method, code_hash,
	code_expires_at, status, created_at, expires_at, decided_at, exchanged_at
`

func scanDelegation(scanner interface{ Scan(dest ...any) error }) (*DelegationRequest, error) {
	var r DelegationRequest
	var scopes, status string
	var consented, callback, challenge, method, codeHash sql.NullString
	var session, createdAt, expiresAt int64
	var codeExpiresAt, decidedAt, exchangedAt sql.NullInt64

	if err := scanner.Scan(
		&r.ID,
		&r.AgentTokenID,
		&r.AgentID,
		&r.UserID,
		&scopes,
		&consented,
		&r.Purpose,
		&callback,
		&session,
		&challenge,
		&method,
		&codeHash,
		&codeExpiresAt,
		&status,
		&createdAt,
		&expiresAt,
		&decidedAt,
		&exchangedAt,
	); err != nil {
		return nil, err
	}

	r.Scopes = SplitScopes(scopes)
	r.ConsentedScopes = SplitScopes(consented.String)
	r.CallbackURL = callback.String
	r.SessionDuration = time.Duration(session)
	r.CodeChallenge = challenge.String
	r.CodeChallengeMethod = method.String
	r.CodeHash = codeHash.String
	r.CodeExpiresAt = timePtr(codeExpiresAt)
	r.Status = DelegationStatus(status)
	r.CreatedAt = fromUnixNano(createdAt)
	r.ExpiresAt = fromUnixNano(expiresAt)
	r.DecidedAt = timePtr(decidedAt)
	r.ExchangedAt = timePtr(exchangedAt)
	return &r, nil
}

// GetDelegation retrieves a delegation request by ID.
// Returns ErrNotFound if the request doesn't exist.
func (s *SQLiteStore) GetDelegation(ctx context.Context, id string) (*DelegationRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM delegations WHERE request_id = ?`, id)
	r, err := scanDelegation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying delegation: %w", err)
	}
	return r, nil
}

const listDelegationsQuery = `
	SELECT ` + delegationColumns + `
	FROM delegations
	WHERE (? IS NULL OR agent_token_id = ?)
	  AND (? IS NULL OR user_id = ?)
	  AND (? IS NULL OR status = ?)
	ORDER BY created_at DESC
	LIMIT ?
`

// ListDelegations returns delegation requests matching the filter, newest first.
func (s *SQLiteStore) ListDelegations(ctx context.Context, f DelegationFilter) ([]*DelegationRequest, error) {
	var status any
	if f.Status != nil {
		status = string(*f.Status)
	}

	rows, err := s.db.QueryContext(ctx, listDelegationsQuery,
		optString(f.AgentTokenID), optString(f.AgentTokenID),
		optString(f.UserID), optString(f.UserID),
		status, status,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying delegations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	requests := []*DelegationRequest{}
	for rows.Next() {
		r, err := scanDelegation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delegation: %w", err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delegations: %w", err)
	}
	return requests, nil
}

// transitionAssignments returns the SET clause columns written for the target status.
func transitionAssignments(t Transition) ([]string, []any) {
	cols := []string{"status = ?"}
	args := []any{string(t.To)}

	switch t.To {
	case DelegationConsented:
		cols = append(cols, "consented_scopes = ?", "code_hash = ?", "code_expires_at = ?", "decided_at = ?")
		args = append(args, JoinScopes(t.ConsentedScopes), t.CodeHash, toUnixNano(t.CodeExpiresAt), toUnixNano(t.At))
	case DelegationDenied:
		cols = append(cols, "decided_at = ?")
		args = append(args, toUnixNano(t.At))
	case DelegationExchanged:
		cols = append(cols, "exchanged_at = ?")
		args = append(args, toUnixNano(t.At))
	}
	return cols, args
}

// TransitionDelegation performs a compare-and-swap on the request status.
func (s *SQLiteStore) TransitionDelegation(ctx context.Context, id string, t Transition) (*DelegationRequest, error) {
	cols, args := transitionAssignments(t)
	query := `UPDATE delegations SET ` + strings.Join(cols, ", ") + ` WHERE request_id = ? AND status = ?`
	args = append(args, id, string(t.From))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("updating delegation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("updating delegation: %w", err)
	}

	r, err := s.GetDelegation(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return r, ErrConflict
	}

	s.logger.Debug("delegation transition", "id", id, "from", t.From, "to", t.To)
	return r, nil
}

// PurgeDelegations deletes requests whose expiry is before the given time.
func (s *SQLiteStore) PurgeDelegations(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM delegations WHERE expires_at < ?`, toUnixNano(before))
	if err != nil {
		return 0, fmt.Errorf("purging delegations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
