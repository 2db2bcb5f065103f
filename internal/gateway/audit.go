// ABOUTME: Audit recording for calls an agent makes on behalf of a user
// ABOUTME: Attributes each delegated call to both the agent and the delegating user

package gateway

import (
	"context"
	"net/http"

	"github.com/2389/agentready-gateway/internal/auth"
	"github.com/2389/agentready-gateway/internal/store"
)

// recordDelegatedCall appends an audit entry when the admission is Delegated.
// Agent-only and public calls are not audited.
func (g *Gateway) recordDelegatedCall(ctx context.Context, endpoint, method string) {
	d, ok := auth.FromContext(ctx).(auth.Delegated)
	if !ok {
		return
	}

	err := g.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      d.Agent.Subject,
		Action:     store.AuditDelegatedCall,
		TargetType: "token",
		TargetID:   d.User.ID,
		Detail: map[string]any{
			"endpoint": endpoint,
			"method":   method,
			"user_id":  d.User.Subject,
		},
	})
	if err != nil {
		g.logger.Error("failed to append audit log", "action", store.AuditDelegatedCall, "error", err)
	}
}

// auditDelegated records delegated calls to the named endpoint before serving them.
func (g *Gateway) auditDelegated(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.recordDelegatedCall(r.Context(), endpoint, r.Method)
			next.ServeHTTP(w, r)
		})
	}
}
