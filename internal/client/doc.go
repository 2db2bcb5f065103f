// Package client is the agent side of the Agent-Ready Web Protocol.
//
// # Overview
//
// A Client holds an agent's signing key and talks to one site. It performs the
// challenge/proof handshake on demand, caches the resulting agent token and
// re-authenticates shortly before the token expires or when the site rejects it.
//
// # Handshake
//
//	signer := &auth.ProofSigner{Key: key, AgentID: "shopping-agent", Format: auth.ProofJWS}
//	c := client.NewClient("https://shop.example", signer, client.WithScopes("read", "search"))
//	if _, err := c.Authenticate(ctx); err != nil {
//		return err
//	}
//
// Authenticate is optional: Call and the delegation methods authenticate lazily.
//
// # Gated Calls
//
//	var out Results
//	err := c.Call(ctx, http.MethodGet, "/api/search?q=boots", nil, "", &out)
//
// Passing a user token as the fourth argument sends it in the X-User-Token
// header for endpoints that require a delegating user. Calls carrying a user
// token are never retried, since a rejected user token cannot be renewed without
// the user.
//
// # Delegation
//
//	s, _ := c.RequestDelegation(ctx, delegation.Input{UserID: "alice", Scopes: []string{"orders:read"}, Purpose: "..."})
//	// direct the user to s.UserAuthURL
//	s, _ = c.WaitForDecision(ctx, s.ID, 0)
//	tok, _ := c.Exchange(ctx, delegation.ExchangeInput{RequestID: s.ID, Code: code})
//
// # Errors
//
// Failures reported by the site are returned as *APIError carrying the protocol
// error kind. Use IsKind to test for a specific kind:
//
//	if client.IsKind(err, auth.KindRateLimitExceeded) { ... }
package client
