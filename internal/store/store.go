// ABOUTME: Store interfaces and data types for agentready-gateway persistence
// ABOUTME: Defines nonces, token records and delegation requests with their atomic operations

package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-swap transition finds an unexpected state
var ErrConflict = errors.New("state conflict")

// ErrPendingLimit is returned when an agent token already has the maximum number of
// pending delegation requests
var ErrPendingLimit = errors.New("pending delegation limit reached")

// ErrDuplicate is returned when inserting an entity whose key already exists
var ErrDuplicate = errors.New("already exists")

// NonceState is the outcome of consuming a nonce.
type NonceState int

const (
	NonceValid NonceState = iota
	NonceExpired
	NonceUnknown
)

func (s NonceState) String() string {
	switch s {
	case NonceValid:
		return "valid"
	case NonceExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Nonce is a single-use challenge value.
type Nonce struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Consumed  bool
}

// NonceStore persists challenge nonces.
type NonceStore interface {
	SaveNonce(ctx context.Context, n *Nonce) error
	// ConsumeNonce atomically marks the nonce consumed. It reports NonceValid at most
	// once per nonce; consumed or unknown values report NonceUnknown.
	ConsumeNonce(ctx context.Context, value string, now time.Time) (NonceState, error)
	PurgeNonces(ctx context.Context, now time.Time) (int, error)
}

// TokenKind distinguishes agent tokens from delegated user tokens.
type TokenKind string

const (
	TokenKindAgent TokenKind = "agent"
	TokenKindUser  TokenKind = "user"
)

// TokenRecord is the registry entry for an issued bearer token. The token itself is
// a signed JWT; the record exists so it can be listed and revoked.
type TokenRecord struct {
	ID          string
	Kind        TokenKind
	Subject     string // agent id for agent tokens, user id for user tokens
	AgentID     string
	ParentID    string // delegating agent token id (user tokens only)
	Scopes      []string
	Fingerprint string // public key fingerprint of the agent
	IssuedAt    time.Time
	ExpiresAt   time.Time
	RevokedAt   *time.Time
}

// Active reports whether the token is neither revoked nor expired at now.
func (t *TokenRecord) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// TokenFilter specifies filtering options for listing token records.
type TokenFilter struct {
	Kind           *TokenKind
	Subject        *string
	ParentID       *string
	IncludeRevoked bool
	Limit          int // default 100, max 1000
}

// TokenStore is the token registry.
type TokenStore interface {
	SaveToken(ctx context.Context, t *TokenRecord) error
	GetToken(ctx context.Context, id string) (*TokenRecord, error)
	ListTokens(ctx context.Context, f TokenFilter) ([]*TokenRecord, error)
	// RevokeToken revokes the token and every token whose parent it is.
	// Returns the number of records newly revoked.
	RevokeToken(ctx context.Context, id string, at time.Time) (int, error)
	PurgeTokens(ctx context.Context, now time.Time) (int, error)
}

// DelegationStatus is the state of a delegation request.
type DelegationStatus string

const (
	DelegationPending   DelegationStatus = "pending_user_consent"
	DelegationConsented DelegationStatus = "consented"
	DelegationDenied    DelegationStatus = "denied"
	DelegationExpired   DelegationStatus = "expired"
	DelegationExchanged DelegationStatus = "exchanged"
)

// Terminal reports whether no further transition is possible from s.
func (s DelegationStatus) Terminal() bool {
	return s == DelegationDenied || s == DelegationExpired || s == DelegationExchanged
}

// DelegationRequest is a parked request from an agent to act on behalf of a user.
type DelegationRequest struct {
	ID                  string
	AgentTokenID        string
	AgentID             string
	UserID              string
	Scopes              []string
	ConsentedScopes     []string
	Purpose             string
	CallbackURL         string
	SessionDuration     time.Duration
	CodeChallenge       string
	CodeChallengeMethod string
	CodeHash            string
	CodeExpiresAt       *time.Time
	Status              DelegationStatus
	CreatedAt           time.Time
	ExpiresAt           time.Time
	DecidedAt           *time.Time
	ExchangedAt         *time.Time
}

// Transition describes a compare-and-swap status change on a delegation request.
// Only the fields relevant to the target status are written.
type Transition struct {
	From            DelegationStatus
	To              DelegationStatus
	At              time.Time
	ConsentedScopes []string  // consented only
	CodeHash        string    // consented only
	CodeExpiresAt   time.Time // consented only
}

// DelegationFilter specifies filtering options for listing delegation requests.
type DelegationFilter struct {
	AgentTokenID *string
	UserID       *string
	Status       *DelegationStatus
	Limit        int
}

// DelegationStore persists delegation requests.
type DelegationStore interface {
	// CreateDelegation inserts r unless its agent token already has maxPending
	// unexpired pending requests (ErrPendingLimit). maxPending <= 0 disables the limit.
	CreateDelegation(ctx context.Context, r *DelegationRequest, maxPending int) error
	GetDelegation(ctx context.Context, id string) (*DelegationRequest, error)
	ListDelegations(ctx context.Context, f DelegationFilter) ([]*DelegationRequest, error)
	// TransitionDelegation applies t only if the current status equals t.From.
	// Returns ErrConflict when the status differs and ErrNotFound when absent.
	TransitionDelegation(ctx context.Context, id string, t Transition) (*DelegationRequest, error)
	// PurgeDelegations deletes requests whose expiry is before the given time.
	PurgeDelegations(ctx context.Context, before time.Time) (int, error)
}

// AuditStore records security-relevant actions.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store aggregates every persistence concern of the gateway.
type Store interface {
	NonceStore
	TokenStore
	DelegationStore
	AuditStore

	// Close releases any resources held by the store
	Close() error
}

// JoinScopes encodes a scope list the way OAuth does: space separated.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// SplitScopes decodes a space separated scope string. Empty input yields nil.
func SplitScopes(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
