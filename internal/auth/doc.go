// Package auth implements agent authentication and request admission for
// agentready-gateway.
//
// # Handshake
//
// An agent fetches a nonce from the challenge endpoint, signs it with its own key
// and posts the proof to the token endpoint:
//
//	POST /auth/token
//	{"nonce": "...", "proof": "<jws>", "agent": {"id": "...", "publicKey": "...", "requestedScopes": [...]}}
//
// TokenIssuer consumes the nonce first, then verifies the proof, then grants the
// intersection of the requested scopes, the site's advertised scopes and the policy.
//
// # Proof Formats
//
//   - jws: compact JWS with claims nonce, sub (agent id) and iat
//   - ssh: base64 SSH signature over "agentready-v1|<nonce>|<unix ts>|<agent id>"
//   - cose: base64 COSE_Sign1 whose payload is the CBOR map {nonce, iat, sub}
//
// Public keys may be authorized_keys lines, PEM SubjectPublicKeyInfo or base64 raw
// Ed25519 keys. Proof timestamps must be within five minutes of the server clock.
//
// # Tokens
//
// Agent and user tokens are HS256 JWTs signed with auth.jwt_secret. User tokens
// carry "agt", the id of the agent token they were delegated to. Every issued token
// is recorded in the token registry so it can be revoked; revoking an agent token
// revokes every user token delegated from it.
//
// # Access Gate
//
// Gate.Authorize returns one of Unauthenticated, AgentOnly or Delegated. Checks run
// in this order: agent token validity, agent scope, user token (when required or
// presented), rate limit. GateMiddleware reads the agent token from
// "Authorization: Bearer" and the user token from "X-User-Token: Bearer".
//
// # Errors
//
// Rejections are *Error values rendered as
//
//	{"error": "invalid_token", "error_description": "...", "error_code": 401}
//
// Anything that is not an *Error is an infrastructure fault and becomes server_error.
package auth
