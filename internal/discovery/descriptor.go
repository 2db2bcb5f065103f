// ABOUTME: Site descriptor published at /.well-known/agent-ready.json
// ABOUTME: Describes auth endpoints, scopes and per-endpoint gating, and feeds the access gate

package discovery

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/2389/agentready-gateway/internal/auth"
)

const (
	// ProtocolVersion is the Agent-Ready protocol version this service speaks.
	ProtocolVersion = "1.0"

	// WellKnownPath is where the descriptor is served.
	WellKnownPath = "/.well-known/agent-ready.json"
)

// Auth routes, relative to the site base URL.
const (
	ChallengePath  = "/auth/challenge"
	TokenPath      = "/auth/token"
	DelegatePath   = "/auth/delegate"
	ExchangePath   = "/auth/delegate/exchange"
	RevocationPath = "/auth/revoke"
)

// reservedPrefixes are owned by the gateway itself and cannot be declared as endpoints.
var reservedPrefixes = []string{"/auth/", "/consent/", "/.well-known/", "/health"}

// ErrInvalidEndpoint is returned for an endpoint declaration that cannot be served.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Endpoint declares one protected (or public) endpoint of the site.
type Endpoint struct {
	Name         string `json:"name" yaml:"name" toml:"name"`
	Path         string `json:"path" yaml:"path" toml:"path"`
	Method       string `json:"method" yaml:"method" toml:"method"`
	Description  string `json:"description,omitempty" yaml:"description" toml:"description"`
	Scope        string `json:"scope,omitempty" yaml:"scope" toml:"scope"`
	RequiresUser bool   `json:"requires_user" yaml:"requires_user" toml:"requires_user"`
	RateLimit    int    `json:"rate_limit,omitempty" yaml:"rate_limit" toml:"rate_limit"`

	// Upstream is the origin admitted requests are forwarded to. Not published.
	Upstream string `json:"-" yaml:"upstream" toml:"upstream"`
}

// Gate converts the declaration into the access gate's view.
func (e Endpoint) Gate(window time.Duration) auth.Endpoint {
	return auth.Endpoint{
		Name:         e.Name,
		Scope:        e.Scope,
		RequiresUser: e.RequiresUser,
		RateLimit:    e.RateLimit,
		Window:       window,
	}
}

// Pattern is the http.ServeMux pattern for the endpoint.
func (e Endpoint) Pattern() string {
	return e.Method + " " + e.Path
}

// Site describes the website itself.
type Site struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// AuthInfo advertises the authentication endpoints and what they accept.
type AuthInfo struct {
	ChallengeEndpoint    string   `json:"challenge_endpoint"`
	TokenEndpoint        string   `json:"token_endpoint"`
	DelegationEndpoint   string   `json:"delegation_endpoint"`
	ExchangeEndpoint     string   `json:"exchange_endpoint"`
	RevocationEndpoint   string   `json:"revocation_endpoint"`
	ProofFormats         []string `json:"proof_formats"`
	Scopes               []string `json:"scopes"`
	DelegationScopes     []string `json:"delegation_scopes"`
	TokenTTL             int      `json:"token_ttl"`
	CodeChallengeMethods []string `json:"code_challenge_methods_supported"`
}

// RateLimits advertises the default limit applied when an endpoint declares none.
type RateLimits struct {
	Default int    `json:"default"`
	Window  int    `json:"window"`
	Key     string `json:"key"`
}

// Descriptor is the published site descriptor.
type Descriptor struct {
	ProtocolVersion string     `json:"protocol_version"`
	Site            Site       `json:"site"`
	Auth            AuthInfo   `json:"auth"`
	RateLimits      RateLimits `json:"rate_limits"`
	Endpoints       []Endpoint `json:"endpoints"`

	window time.Duration
}

// Options are the inputs to New.
type Options struct {
	BaseURL          string
	SiteName         string
	SiteDescription  string
	Scopes           []string
	DelegationScopes []string
	ProofFormats     []auth.ProofFormat
	TokenTTL         time.Duration
	DefaultLimit     int
	Window           time.Duration
	KeyPolicy        auth.KeyPolicy
	Endpoints        []Endpoint
}

// New builds and validates a descriptor. Endpoint methods are normalized to upper
// case, defaulting to GET.
func New(opts Options) (*Descriptor, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, errors.New("base URL is required")
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = auth.DefaultAgentTokenTTL
	}
	if !opts.KeyPolicy.Valid() {
		opts.KeyPolicy = auth.KeyAgentEndpoint
	}
	formats := opts.ProofFormats
	if len(formats) == 0 {
		formats = auth.SupportedProofFormats
	}

	for _, s := range opts.DelegationScopes {
		if !slices.Contains(opts.Scopes, s) {
			return nil, fmt.Errorf("delegation scope %q is not an advertised scope", s)
		}
	}

	endpoints := make([]Endpoint, 0, len(opts.Endpoints))
	seen := make(map[string]bool)
	for _, e := range opts.Endpoints {
		e.Method = strings.ToUpper(strings.TrimSpace(e.Method))
		if e.Method == "" {
			e.Method = http.MethodGet
		}
		if err := validateEndpoint(e, opts.Scopes); err != nil {
			return nil, err
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidEndpoint, e.Name)
		}
		if seen[e.Pattern()] {
			return nil, fmt.Errorf("%w: duplicate route %q", ErrInvalidEndpoint, e.Pattern())
		}
		seen[e.Name] = true
		seen[e.Pattern()] = true
		endpoints = append(endpoints, e)
	}

	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = string(f)
	}

	return &Descriptor{
		ProtocolVersion: ProtocolVersion,
		Site: Site{
			Name:        opts.SiteName,
			URL:         base,
			Description: opts.SiteDescription,
		},
		Auth: AuthInfo{
			ChallengeEndpoint:    base + ChallengePath,
			TokenEndpoint:        base + TokenPath,
			DelegationEndpoint:   base + DelegatePath,
			ExchangeEndpoint:     base + ExchangePath,
			RevocationEndpoint:   base + RevocationPath,
			ProofFormats:         names,
			Scopes:               nonNil(opts.Scopes),
			DelegationScopes:     nonNil(opts.DelegationScopes),
			TokenTTL:             int(opts.TokenTTL / time.Second),
			CodeChallengeMethods: []string{"S256"},
		},
		RateLimits: RateLimits{
			Default: opts.DefaultLimit,
			Window:  int(opts.Window / time.Second),
			Key:     string(opts.KeyPolicy),
		},
		Endpoints: endpoints,
		window:    opts.Window,
	}, nil
}

func validateEndpoint(e Endpoint, scopes []string) error {
	if e.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidEndpoint)
	}
	if !strings.HasPrefix(e.Path, "/") {
		return fmt.Errorf("%w: %s: path must start with /", ErrInvalidEndpoint, e.Name)
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(e.Path, p) {
			return fmt.Errorf("%w: %s: path %q is reserved", ErrInvalidEndpoint, e.Name, e.Path)
		}
	}
	switch e.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return fmt.Errorf("%w: %s: unsupported method %q", ErrInvalidEndpoint, e.Name, e.Method)
	}
	if e.Scope != "" && !slices.Contains(scopes, e.Scope) {
		return fmt.Errorf("%w: %s: scope %q is not advertised", ErrInvalidEndpoint, e.Name, e.Scope)
	}
	if e.RateLimit < 0 {
		return fmt.Errorf("%w: %s: rate_limit must not be negative", ErrInvalidEndpoint, e.Name)
	}
	return nil
}

// GateEndpoint returns the gate configuration of the named endpoint.
func (d *Descriptor) GateEndpoint(name string) (auth.Endpoint, bool) {
	for _, e := range d.Endpoints {
		if e.Name == name {
			return e.Gate(d.window), true
		}
	}
	return auth.Endpoint{}, false
}

// Window is the default rate-limit window.
func (d *Descriptor) Window() time.Duration {
	return d.window
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
