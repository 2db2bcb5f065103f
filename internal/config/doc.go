// Package config handles configuration loading for agentready-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML, everything else as YAML.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from AGENTREADY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/agentready/gateway.yaml
//  3. ~/.config/agentready/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${AGENTREADY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax and must be positive:
//
//	auth:
//	  token_ttl: "1h"
//	  nonce_ttl: "5m"
//
// # Configuration Sections
//
// Server:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  base_url: "https://shop.example.com"  # defaults to http://<http_addr>
//	  shutdown_timeout: "10s"
//
// Database:
//
//	database:
//	  driver: "sqlite"   # sqlite (pure Go), sqlite3 (cgo), memory
//	  path: "/var/lib/agentready/gateway.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${AGENTREADY_JWT_SECRET}"          # signs agent and user tokens
//	  session_secret: "${AGENTREADY_SESSION_SECRET}"  # verifies site login sessions
//	  login_url: "https://shop.example.com/login"
//	  scopes: ["read", "booking", "payments"]
//	  default_scopes: ["read"]
//	  agent_scopes:
//	    travel-bot: ["read", "booking"]
//	  blocked_agents: []
//	  proof_formats: ["jws", "ssh", "cose"]
//	  token_ttl: "1h"
//	  nonce_ttl: "5m"
//	  clock_skew: "5m"
//
// Delegation:
//
//	delegation:
//	  scopes: ["booking", "payments"]
//	  max_pending: 5
//	  request_ttl: "15m"
//	  code_ttl: "5m"
//	  default_session: "1h"
//	  max_session: "24h"
//
// Rate limits:
//
//	rate_limits:
//	  default: 60
//	  window: "1m"
//	  key: "agent_endpoint"   # agent_endpoint, agent, global
//	  challenge_per_minute: 30
//
// Endpoints published in the descriptor and proxied to their upstream:
//
//	endpoints:
//	  - name: book
//	    path: /api/bookings
//	    method: POST
//	    scope: booking
//	    requires_user: true
//	    upstream: "http://127.0.0.1:9000"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "agentready"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Secret minimum length (32 bytes) and that the two secrets differ
//   - Scope lists are subsets of the advertised scopes
//   - Duration format validity
//   - Database driver and rate limit key policy values
//
// # Usage
//
//	cfg, err := config.Load("/etc/agentready/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
