// ABOUTME: Admission context for tracking the caller's identity through request handlers
// ABOUTME: Provides WithAdmission/FromContext for propagating gate decisions via context

package auth

import (
	"context"
)

// admissionKey is the key type for storing the Admission in context.Context.
type admissionKey struct{}

// WithAdmission returns a new context with the admission attached.
func WithAdmission(ctx context.Context, a Admission) context.Context {
	return context.WithValue(ctx, admissionKey{}, a)
}

// FromContext retrieves the Admission from the context, returning nil if not present.
func FromContext(ctx context.Context) Admission {
	val := ctx.Value(admissionKey{})
	if val == nil {
		return nil
	}
	a, ok := val.(Admission)
	if !ok {
		return nil
	}
	return a
}

// AgentFromContext returns the admitted agent's claims, or nil.
func AgentFromContext(ctx context.Context) *Claims {
	return AgentOf(FromContext(ctx))
}

// MustAgentFromContext returns the admitted agent's claims, panicking if not present.
func MustAgentFromContext(ctx context.Context) *Claims {
	c := AgentFromContext(ctx)
	if c == nil {
		panic("auth: agent admission not found in context")
	}
	return c
}
