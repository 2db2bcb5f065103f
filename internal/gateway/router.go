// ABOUTME: Router forwards admitted calls on descriptor endpoints to their upstream
// ABOUTME: Strips bearer credentials and passes the admitted identity as headers

package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/2389/agentready-gateway/internal/auth"
	"github.com/2389/agentready-gateway/internal/discovery"
)

// Identity headers set on every forwarded request. Values sent by the caller are
// always replaced.
const (
	HeaderAgentID    = "X-AgentReady-Agent"
	HeaderAgentScope = "X-AgentReady-Scope"
	HeaderUserID     = "X-AgentReady-User"
	HeaderUserScope  = "X-AgentReady-User-Scope"
)

// ErrInvalidUpstream means an endpoint's upstream is not an absolute http(s) URL.
var ErrInvalidUpstream = errors.New("invalid upstream")

// Router maps descriptor endpoints to reverse proxies for their upstream.
type Router struct {
	proxies map[string]http.Handler // keyed by endpoint name
	logger  *slog.Logger
}

// NewRouter creates a proxy for every endpoint that declares an upstream.
func NewRouter(endpoints []discovery.Endpoint, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		proxies: make(map[string]http.Handler),
		logger:  logger.With("component", "router"),
	}
	for _, e := range endpoints {
		if e.Upstream == "" {
			continue
		}
		target, err := url.Parse(e.Upstream)
		if err != nil {
			return nil, fmt.Errorf("%w for %s: %v", ErrInvalidUpstream, e.Name, err)
		}
		if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
			return nil, fmt.Errorf("%w for %s: %q is not an absolute http(s) URL", ErrInvalidUpstream, e.Name, e.Upstream)
		}
		r.proxies[e.Name] = r.newProxy(e.Name, target)
	}
	return r, nil
}

// Route returns the proxy for the named endpoint. The second result is false when
// the endpoint has no upstream and is answered by the gateway itself.
func (r *Router) Route(name string) (http.Handler, bool) {
	h, ok := r.proxies[name]
	return h, ok
}

func (r *Router) newProxy(name string, target *url.URL) http.Handler {
	logger := r.logger.With("endpoint", name, "upstream", target.Host)
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			setIdentityHeaders(pr.Out.Header, auth.FromContext(pr.In.Context()))
		},
		FlushInterval: 100 * time.Millisecond,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			logger.Error("upstream request failed", "error", err, "path", req.URL.Path)
			auth.WriteJSON(w, http.StatusBadGateway, auth.ErrorResponse{
				Error:       auth.KindServerError,
				Description: "upstream unavailable",
				Code:        http.StatusBadGateway,
			})
		},
	}
}

// setIdentityHeaders replaces the credentials with the identity the gate admitted.
func setIdentityHeaders(h http.Header, a auth.Admission) {
	h.Del("Authorization")
	h.Del(auth.UserTokenHeader)
	h.Del(HeaderAgentID)
	h.Del(HeaderAgentScope)
	h.Del(HeaderUserID)
	h.Del(HeaderUserScope)

	switch v := a.(type) {
	case auth.AgentOnly:
		h.Set(HeaderAgentID, v.Agent.Subject)
		h.Set(HeaderAgentScope, v.Agent.Scope)
	case auth.Delegated:
		h.Set(HeaderAgentID, v.Agent.Subject)
		h.Set(HeaderAgentScope, v.Agent.Scope)
		h.Set(HeaderUserID, v.User.Subject)
		h.Set(HeaderUserScope, v.User.Scope)
	}
}
