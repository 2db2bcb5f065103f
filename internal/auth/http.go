// ABOUTME: HTTP binding of the access gate and the protocol error response shape
// ABOUTME: Extracts agent and user bearer tokens and adds the admission to context

package auth

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// UserTokenHeader carries the delegated user token alongside the agent token.
const UserTokenHeader = "X-User-Token"

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error       Kind   `json:"error"`
	Description string `json:"error_description"`
	Code        int    `json:"error_code"`
	RetryAfter  int    `json:"retryAfter,omitempty"`
}

// extractBearerToken extracts a bearer token from an Authorization-style header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// BearerToken returns the bearer token in the named header, or "" when absent.
func BearerToken(r *http.Request, header string) string {
	token, _ := extractBearerToken(r.Header.Get(header))
	return token
}

// ClientIP returns the remote host of the request without port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err in the protocol error shape. Infrastructure faults are
// logged and reported as server_error without detail.
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	e := AsError(err)
	if e.Kind == KindServerError && logger != nil {
		logger.Error("request failed", "error", err)
	}

	status := e.Status
	if status == 0 {
		status = e.Kind.Status()
	}
	if status == http.StatusTooManyRequests && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	if e.Kind == KindInvalidToken {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}

	WriteJSON(w, status, ErrorResponse{
		Error:       e.Kind,
		Description: e.Description,
		Code:        status,
		RetryAfter:  e.RetryAfter,
	})
}

// GateMiddleware admits requests to ep through the gate and stores the admission
// in the request context.
func GateMiddleware(g *Gate, ep Endpoint, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := GateRequest{
				Endpoint: ep,
				ClientIP: ClientIP(r),
			}

			if h := r.Header.Get("Authorization"); h != "" {
				token, errMsg := extractBearerToken(h)
				if errMsg != "" {
					WriteError(w, logger, NewError(KindInvalidToken, "%s", errMsg))
					return
				}
				req.AgentToken = token
			}
			if h := r.Header.Get(UserTokenHeader); h != "" {
				token, errMsg := extractBearerToken(h)
				if errMsg != "" {
					WriteError(w, logger, NewError(KindInvalidToken, "user token: %s", errMsg))
					return
				}
				req.UserToken = token
			}

			admission, err := g.Authorize(r.Context(), req)
			if err != nil {
				if logger != nil && KindOf(err) != KindServerError {
					logger.Warn("auth failure",
						"reason", string(KindOf(err)),
						"endpoint", ep.Name,
						"remote_addr", req.ClientIP,
					)
				}
				WriteError(w, logger, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAdmission(r.Context(), admission)))
		})
	}
}

// RequireAgent authenticates an agent token for endpoints that need the caller's
// identity but no particular scope, such as the delegation endpoints.
func RequireAgent(g *Gate, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				WriteError(w, logger, NewError(KindInvalidToken, "%s", errMsg))
				return
			}

			claims, err := g.checkToken(r.Context(), token, TokenTypeAgent)
			if err != nil {
				WriteError(w, logger, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAdmission(r.Context(), AgentOnly{Agent: claims})))
		})
	}
}
