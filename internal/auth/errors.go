// ABOUTME: Protocol error kinds and the structured Error returned by every auth operation
// ABOUTME: Each kind maps to an HTTP status; infrastructure faults become server_error

package auth

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// Kind is the machine-readable error code placed in the "error" field.
type Kind string

const (
	KindInvalidRequest       Kind = "invalid_request"
	KindInvalidNonce         Kind = "invalid_nonce"
	KindInvalidProof         Kind = "invalid_proof"
	KindInsufficientScope    Kind = "insufficient_scope"
	KindInvalidToken         Kind = "invalid_token"
	KindRateLimitExceeded    Kind = "rate_limit_exceeded"
	KindExpiredRequest       Kind = "expired_request"
	KindInvalidGrant         Kind = "invalid_grant"
	KindAuthorizationPending Kind = "authorization_pending"
	KindDelegationLimit      Kind = "delegation_limit_exceeded"
	KindAccessDenied         Kind = "access_denied"
	KindNotFound             Kind = "not_found"
	KindServerError          Kind = "server_error"
)

// Status returns the HTTP status code used for the kind.
func (k Kind) Status() int {
	switch k {
	case KindInvalidRequest, KindInvalidNonce, KindExpiredRequest, KindInvalidGrant, KindAuthorizationPending:
		return http.StatusBadRequest
	case KindInvalidProof, KindInvalidToken:
		return http.StatusUnauthorized
	case KindInsufficientScope, KindAccessDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimitExceeded, KindDelegationLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a protocol-level rejection. Verification and authorization failures are
// always returned as *Error; they are expected outcomes, not faults.
type Error struct {
	Kind        Kind
	Description string
	Status      int
	RetryAfter  int   // seconds, 429 kinds only
	Err         error // underlying cause, never shown to callers
}

// NewError creates an Error with the kind's default status.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:        kind,
		Description: fmt.Sprintf(format, args...),
		Status:      kind.Status(),
	}
}

// Internal wraps an infrastructure fault as server_error.
func Internal(err error) *Error {
	return &Error{
		Kind:        KindServerError,
		Description: "internal server error",
		Status:      http.StatusInternalServerError,
		Err:         err,
	}
}

// RateLimited creates a rate_limit_exceeded error carrying a retry hint.
func RateLimited(retryAfter int) *Error {
	if retryAfter < 1 {
		retryAfter = 1
	}
	e := NewError(KindRateLimitExceeded, "rate limit exceeded, retry after %d seconds", retryAfter)
	e.RetryAfter = retryAfter
	return e
}

// WithRetryAfter sets the retry hint in whole seconds, at least one, and returns e.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = max(1, int(math.Ceil(d.Seconds())))
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// AsError converts any error into an *Error. Errors that are not already protocol
// errors are treated as infrastructure faults.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// KindOf returns the kind of err, or KindServerError for foreign errors.
func KindOf(err error) Kind {
	return AsError(err).Kind
}
