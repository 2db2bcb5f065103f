// Package admin implements operator actions against the gateway store.
//
// # Overview
//
// The admin package backs the agentready-admin CLI. It opens the same store the
// gateway uses and lets an operator inspect and revoke tokens, review delegation
// requests and the audit log, and mint consent-page sessions for sites that have
// not yet integrated their own login.
//
// # Operations
//
// Tokens:
//
//   - ListTokens: agent and user tokens, filtered by kind, subject or parent
//   - RevokeToken: revoke one token and every user token delegated from it
//   - RevokeAgent: revoke every token issued to an agent id
//
// Activity:
//
//   - ListDelegations: delegation requests by user, agent token or status
//   - ListAudit: audit entries by age, actor, action or target
//
// Sessions:
//
//   - CreateSession: a signed session token identifying a user at /consent
//
// # Auditing
//
// Every mutation is appended to the audit log with actor "operator:<name>", so
// operator revocations can be told apart from agents revoking their own tokens.
//
// # Usage
//
//	svc := admin.NewService(st, auth.NewJWTVerifier(sessionSecret, ""), logger)
//	n, err := svc.RevokeAgent(ctx, "alice", "shopping-bot")
package admin
