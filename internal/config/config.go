// ABOUTME: Configuration loading and parsing for agentready-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/agentready-gateway/internal/auth"
	"github.com/2389/agentready-gateway/internal/discovery"
	"github.com/2389/agentready-gateway/internal/store"
)

// MinSecretLength is the minimum length of the signing secrets, in bytes.
const MinSecretLength = 32

// Config represents the complete agentready-gateway configuration
type Config struct {
	Server     ServerConfig         `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig      `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig       `yaml:"database" toml:"database"`
	Auth       AuthConfig           `yaml:"auth" toml:"auth"`
	Delegation DelegationConfig     `yaml:"delegation" toml:"delegation"`
	RateLimits RateLimitConfig      `yaml:"rate_limits" toml:"rate_limits"`
	Site       SiteConfig           `yaml:"site" toml:"site"`
	Endpoints  []discovery.Endpoint `yaml:"endpoints" toml:"endpoints"`
	Janitor    JanitorConfig        `yaml:"janitor" toml:"janitor"`
	Logging    LoggingConfig        `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// BaseURL is the external URL agents and users see. Derived from http_addr
	// or the tailscale hostname when unset.
	BaseURL string `yaml:"base_url" toml:"base_url"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS with tailnet certificates
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Driver is "sqlite" (pure Go, default), "sqlite3" (cgo) or "memory".
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds agent authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	// SessionSecret verifies the site's own login sessions on the consent page.
	SessionSecret string `yaml:"session_secret" toml:"session_secret"`
	LoginURL      string `yaml:"login_url" toml:"login_url"`

	// Issuer is stamped on tokens; defaults to the base URL.
	Issuer string `yaml:"issuer" toml:"issuer"`

	// Scopes are advertised to agents. DefaultScopes are granted to agents with no
	// entry in AgentScopes; when empty every advertised scope is grantable.
	Scopes        []string            `yaml:"scopes" toml:"scopes"`
	DefaultScopes []string            `yaml:"default_scopes" toml:"default_scopes"`
	AgentScopes   map[string][]string `yaml:"agent_scopes" toml:"agent_scopes"`
	BlockedAgents []string            `yaml:"blocked_agents" toml:"blocked_agents"`
	ProofFormats  []string            `yaml:"proof_formats" toml:"proof_formats"`

	TokenTTL  time.Duration `yaml:"-" toml:"-"`
	NonceTTL  time.Duration `yaml:"-" toml:"-"`
	ClockSkew time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TokenTTLRaw  string `yaml:"token_ttl" toml:"token_ttl"`
	NonceTTLRaw  string `yaml:"nonce_ttl" toml:"nonce_ttl"`
	ClockSkewRaw string `yaml:"clock_skew" toml:"clock_skew"`
}

// DelegationConfig holds user delegation configuration
type DelegationConfig struct {
	Scopes          []string `yaml:"scopes" toml:"scopes"`
	MaxPending      int      `yaml:"max_pending" toml:"max_pending"`
	WebhookAttempts int      `yaml:"webhook_attempts" toml:"webhook_attempts"`

	RequestTTL     time.Duration `yaml:"-" toml:"-"`
	CodeTTL        time.Duration `yaml:"-" toml:"-"`
	DefaultSession time.Duration `yaml:"-" toml:"-"`
	MaxSession     time.Duration `yaml:"-" toml:"-"`
	WebhookTimeout time.Duration `yaml:"-" toml:"-"`

	RequestTTLRaw     string `yaml:"request_ttl" toml:"request_ttl"`
	CodeTTLRaw        string `yaml:"code_ttl" toml:"code_ttl"`
	DefaultSessionRaw string `yaml:"default_session" toml:"default_session"`
	MaxSessionRaw     string `yaml:"max_session" toml:"max_session"`
	WebhookTimeoutRaw string `yaml:"webhook_timeout" toml:"webhook_timeout"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Default is the per-window limit for endpoints that declare none. 0 disables it.
	Default int `yaml:"default" toml:"default"`

	// Key is the counter key policy: agent_endpoint, agent or global.
	Key string `yaml:"key" toml:"key"`

	// ChallengePerMinute limits nonce issuance per client IP. 0 disables it.
	ChallengePerMinute int `yaml:"challenge_per_minute" toml:"challenge_per_minute"`
	ChallengeBurst     int `yaml:"challenge_burst" toml:"challenge_burst"`

	Window    time.Duration `yaml:"-" toml:"-"`
	WindowRaw string        `yaml:"window" toml:"window"`
}

// SiteConfig describes the site in the published descriptor
type SiteConfig struct {
	Name        string `yaml:"name" toml:"name"`
	Description string `yaml:"description" toml:"description"`
}

// JanitorConfig controls the background sweep of expired records
type JanitorConfig struct {
	Interval  time.Duration `yaml:"-" toml:"-"`
	Retention time.Duration `yaml:"-" toml:"-"`

	IntervalRaw  string `yaml:"interval" toml:"interval"`
	RetentionRaw string `yaml:"retention" toml:"retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration content, applies defaults and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills optional fields that were left unset.
func (c *Config) applyDefaults() {
	if c.Server.BaseURL == "" {
		switch {
		case c.Tailscale.Enabled && (c.Tailscale.HTTPS || c.Tailscale.Funnel):
			c.Server.BaseURL = "https://" + c.Tailscale.Hostname
		case c.Tailscale.Enabled:
			c.Server.BaseURL = "http://" + c.Tailscale.Hostname
		case c.Server.HTTPAddr != "":
			c.Server.BaseURL = "http://" + c.Server.HTTPAddr
		}
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = store.DriverModernc
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = c.Server.BaseURL
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = auth.DefaultAgentTokenTTL
	}
	if c.Auth.NonceTTL == 0 {
		c.Auth.NonceTTL = 5 * time.Minute
	}
	if c.Auth.ClockSkew == 0 {
		c.Auth.ClockSkew = auth.DefaultProofSkew
	}

	if c.RateLimits.Key == "" {
		c.RateLimits.Key = string(auth.KeyAgentEndpoint)
	}
	if c.RateLimits.Window == 0 {
		c.RateLimits.Window = time.Minute
	}

	if c.Janitor.Interval == 0 {
		c.Janitor.Interval = time.Minute
	}
	if c.Janitor.Retention == 0 {
		c.Janitor.Retention = 24 * time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case store.DriverModernc, store.DriverCGO:
		if c.Database.Path == "" {
			return errors.New("database.path is required")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite, sqlite3 or memory, got %q", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinSecretLength)
	}
	if len(c.Auth.SessionSecret) < MinSecretLength {
		return fmt.Errorf("auth.session_secret must be at least %d bytes", MinSecretLength)
	}
	if c.Auth.SessionSecret == c.Auth.JWTSecret {
		return errors.New("auth.session_secret must differ from auth.jwt_secret")
	}
	if len(c.Auth.Scopes) == 0 {
		return errors.New("auth.scopes must list at least one scope")
	}
	for _, s := range c.Auth.DefaultScopes {
		if !slices.Contains(c.Auth.Scopes, s) {
			return fmt.Errorf("auth.default_scopes: %q is not in auth.scopes", s)
		}
	}
	for agent, scopes := range c.Auth.AgentScopes {
		for _, s := range scopes {
			if !slices.Contains(c.Auth.Scopes, s) {
				return fmt.Errorf("auth.agent_scopes.%s: %q is not in auth.scopes", agent, s)
			}
		}
	}
	for _, f := range c.Auth.ProofFormats {
		if !slices.Contains(auth.SupportedProofFormats, auth.ProofFormat(f)) {
			return fmt.Errorf("auth.proof_formats: unsupported format %q", f)
		}
	}
	for _, s := range c.Delegation.Scopes {
		if !slices.Contains(c.Auth.Scopes, s) {
			return fmt.Errorf("delegation.scopes: %q is not in auth.scopes", s)
		}
	}
	if c.Delegation.MaxPending < 0 {
		return errors.New("delegation.max_pending must not be negative")
	}
	if c.Delegation.DefaultSession > 0 && c.Delegation.MaxSession > 0 && c.Delegation.DefaultSession > c.Delegation.MaxSession {
		return errors.New("delegation.default_session must not exceed delegation.max_session")
	}

	if !auth.KeyPolicy(c.RateLimits.Key).Valid() {
		return fmt.Errorf("rate_limits.key must be agent_endpoint, agent or global, got %q", c.RateLimits.Key)
	}
	if c.RateLimits.Default < 0 || c.RateLimits.ChallengePerMinute < 0 {
		return errors.New("rate limits must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"auth.nonce_ttl", cfg.Auth.NonceTTLRaw, &cfg.Auth.NonceTTL},
		{"auth.clock_skew", cfg.Auth.ClockSkewRaw, &cfg.Auth.ClockSkew},
		{"delegation.request_ttl", cfg.Delegation.RequestTTLRaw, &cfg.Delegation.RequestTTL},
		{"delegation.code_ttl", cfg.Delegation.CodeTTLRaw, &cfg.Delegation.CodeTTL},
		{"delegation.default_session", cfg.Delegation.DefaultSessionRaw, &cfg.Delegation.DefaultSession},
		{"delegation.max_session", cfg.Delegation.MaxSessionRaw, &cfg.Delegation.MaxSession},
		{"delegation.webhook_timeout", cfg.Delegation.WebhookTimeoutRaw, &cfg.Delegation.WebhookTimeout},
		{"rate_limits.window", cfg.RateLimits.WindowRaw, &cfg.RateLimits.Window},
		{"janitor.interval", cfg.Janitor.IntervalRaw, &cfg.Janitor.Interval},
		{"janitor.retention", cfg.Janitor.RetentionRaw, &cfg.Janitor.Retention},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("parsing %s %q: must be positive", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

// ProofFormats returns the configured proof formats, or all supported formats.
func (c *Config) ProofFormats() []auth.ProofFormat {
	if len(c.Auth.ProofFormats) == 0 {
		return auth.SupportedProofFormats
	}
	out := make([]auth.ProofFormat, len(c.Auth.ProofFormats))
	for i, f := range c.Auth.ProofFormats {
		out[i] = auth.ProofFormat(f)
	}
	return out
}

// Policy builds the agent scope policy.
func (c *Config) Policy() *auth.StaticPolicy {
	def := c.Auth.DefaultScopes
	if len(def) == 0 {
		def = c.Auth.Scopes
	}
	return &auth.StaticPolicy{
		Default:  def,
		PerAgent: c.Auth.AgentScopes,
		Blocked:  c.Auth.BlockedAgents,
	}
}
