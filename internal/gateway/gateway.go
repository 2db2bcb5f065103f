// ABOUTME: Gateway orchestrator that wires the agent auth core behind one HTTP server
// ABOUTME: Manages store, listeners, janitor and health endpoints lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/agentready-gateway/internal/auth"
	"github.com/2389/agentready-gateway/internal/config"
	"github.com/2389/agentready-gateway/internal/consent"
	"github.com/2389/agentready-gateway/internal/delegation"
	"github.com/2389/agentready-gateway/internal/discovery"
	"github.com/2389/agentready-gateway/internal/nonce"
	"github.com/2389/agentready-gateway/internal/ratelimit"
	"github.com/2389/agentready-gateway/internal/store"
)

// Gateway serves the discovery document, the auth endpoints, the consent page and
// the gated site endpoints from a single HTTP server.
type Gateway struct {
	config      *config.Config
	store       store.Store
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	descriptor *discovery.Descriptor
	tokens     *auth.JWTVerifier
	nonces     *nonce.Issuer
	issuer     *auth.TokenIssuer
	gate       *auth.Gate
	broker     *delegation.Broker
	notifier   *consent.WebhookNotifier
	router     *Router

	// counter backs the gate; ipLimiter guards challenge issuance.
	counter   *ratelimit.Counter
	ipLimiter *ratelimit.IPLimiter

	janitor *Janitor
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Driver == "memory" {
		return store.NewMemoryStore(0, time.Minute), nil
	}

	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AGENTREADY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.OpenSQLite(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// delegationScopes returns the scopes users may delegate, defaulting to every advertised scope.
func delegationScopes(cfg *config.Config) []string {
	if len(cfg.Delegation.Scopes) > 0 {
		return cfg.Delegation.Scopes
	}
	return cfg.Auth.Scopes
}

// New creates a Gateway from a validated config.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	descriptor, err := discovery.New(discovery.Options{
		BaseURL:          cfg.Server.BaseURL,
		SiteName:         cfg.Site.Name,
		SiteDescription:  cfg.Site.Description,
		Scopes:           cfg.Auth.Scopes,
		DelegationScopes: delegationScopes(cfg),
		ProofFormats:     cfg.ProofFormats(),
		TokenTTL:         cfg.Auth.TokenTTL,
		DefaultLimit:     cfg.RateLimits.Default,
		Window:           cfg.RateLimits.Window,
		KeyPolicy:        auth.KeyPolicy(cfg.RateLimits.Key),
		Endpoints:        cfg.Endpoints,
	})
	if err != nil {
		return nil, fmt.Errorf("building site descriptor: %w", err)
	}
	descriptorHandler, err := discovery.NewHandler(descriptor)
	if err != nil {
		return nil, err
	}

	router, err := NewRouter(descriptor.Endpoints, logger)
	if err != nil {
		return nil, fmt.Errorf("configuring upstreams: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:     cfg,
		store:      s,
		logger:     logger,
		descriptor: descriptor,
		router:     router,
		tokens:     auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer),
		counter:    ratelimit.NewCounter(0),
		ipLimiter:  ratelimit.NewIPLimiter(cfg.RateLimits.ChallengePerMinute, cfg.RateLimits.ChallengeBurst),
	}

	gw.nonces = nonce.NewIssuer(s, cfg.Server.BaseURL+discovery.TokenPath, cfg.Auth.NonceTTL, logger)

	gw.issuer = auth.NewTokenIssuer(auth.IssuerConfig{
		Nonces:           gw.nonces,
		Verifier:         auth.NewVerifier(cfg.Auth.ClockSkew, cfg.ProofFormats()...),
		Tokens:           gw.tokens,
		Registry:         s,
		Audit:            s,
		Policy:           cfg.Policy(),
		AdvertisedScopes: cfg.Auth.Scopes,
		TTL:              cfg.Auth.TokenTTL,
		Logger:           logger,
	})

	gw.gate = auth.NewGate(auth.GateConfig{
		Tokens:        gw.tokens,
		Registry:      s,
		Limiter:       gw.counter,
		KeyPolicy:     auth.KeyPolicy(cfg.RateLimits.Key),
		DefaultLimit:  cfg.RateLimits.Default,
		DefaultWindow: cfg.RateLimits.Window,
		Logger:        logger,
	})

	gw.notifier = consent.NewWebhookNotifier(nil, cfg.Delegation.WebhookTimeout, cfg.Delegation.WebhookAttempts, logger)

	gw.broker = delegation.NewBroker(delegation.Config{
		Store:          s,
		Tokens:         s,
		Audit:          s,
		Signer:         gw.tokens,
		Notifier:       gw.notifier,
		BaseURL:        cfg.Server.BaseURL,
		AllowedScopes:  delegationScopes(cfg),
		MaxPending:     cfg.Delegation.MaxPending,
		RequestTTL:     cfg.Delegation.RequestTTL,
		CodeTTL:        cfg.Delegation.CodeTTL,
		DefaultSession: cfg.Delegation.DefaultSession,
		MaxSession:     cfg.Delegation.MaxSession,
		Logger:         logger,
	})

	consentHandler := consent.New(consent.Config{
		Broker:   gw.broker,
		Sessions: auth.NewJWTVerifier([]byte(cfg.Auth.SessionSecret), ""),
		LoginURL: cfg.Auth.LoginURL,
		Logger:   logger,
	})

	gw.janitor = NewJanitor(JanitorConfig{
		Store:     s,
		Sweepers:  []Sweeper{gw.ipLimiter, gw.counter},
		Interval:  cfg.Janitor.Interval,
		Retention: cfg.Janitor.Retention,
		Logger:    logger,
	})

	handler, err := gw.routes(descriptorHandler, consentHandler)
	if err != nil {
		_ = s.Close()
		gw.counter.Close()
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("gateway configured",
		"base_url", cfg.Server.BaseURL,
		"scopes", len(cfg.Auth.Scopes),
		"endpoints", len(descriptor.Endpoints),
		"driver", cfg.Database.Driver,
	)
	return gw, nil
}

// Handler returns the root HTTP handler. Used by tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the HTTP server and the janitor and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go g.janitor.Run(janitorCtx)

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopJanitor()
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and the configured timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "agentready-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)
	g.checkBaseURL(status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// checkBaseURL warns when the advertised base URL does not name this node. Agents
// post proofs to the token endpoint derived from it.
func (g *Gateway) checkBaseURL(status *ipnstate.Status) {
	if status.Self == nil || status.Self.DNSName == "" {
		return
	}
	dnsName := strings.TrimSuffix(status.Self.DNSName, ".")
	u, err := url.Parse(g.config.Server.BaseURL)
	if err != nil || u.Hostname() == dnsName {
		return
	}
	g.logger.Warn("server.base_url does not match the tailnet DNS name; set it to the full tailnet URL",
		"base_url", g.config.Server.BaseURL,
		"dns_name", dnsName,
	)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the server and releases resources. Pending webhook
// deliveries are awaited before the store is closed.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	delivered := make(chan struct{})
	go func() {
		g.notifier.Wait()
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-ctx.Done():
		g.logger.Warn("shutdown timed out waiting for webhook deliveries")
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.counter.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := g.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			g.logger.Error("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
