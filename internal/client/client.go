// ABOUTME: HTTP client for agents talking to an agent-ready site
// ABOUTME: Performs the challenge/proof handshake, caches the agent token and makes gated calls

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/2389/agentready-gateway/internal/auth"
	"github.com/2389/agentready-gateway/internal/discovery"
	"github.com/2389/agentready-gateway/internal/nonce"
)

const (
	DefaultTimeout = 30 * time.Second

	// refreshMargin re-authenticates before the cached token actually expires.
	refreshMargin = 30 * time.Second
)

// Client is an agent's connection to one site. It is safe for concurrent use.
type Client struct {
	baseURL    string
	signer     *auth.ProofSigner
	scopes     []string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	token     string
	tokenID   string
	scope     string
	expiresAt time.Time
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit paces outgoing requests to requestsPerSecond.
func WithRateLimit(requestsPerSecond int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), max(requestsPerSecond, 1))
	}
}

// WithScopes sets the scopes requested during authentication.
func WithScopes(scopes ...string) Option {
	return func(c *Client) {
		c.scopes = scopes
	}
}

// NewClient creates a client for the site at baseURL that proves its identity with signer.
func NewClient(baseURL string, signer *auth.ProofSigner, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "agent-client", "agent_id", signer.AgentID)
	return c
}

// APIError is a failure reported by the site in the protocol error shape.
type APIError struct {
	StatusCode  int
	Kind        auth.Kind
	Description string
	RetryAfter  int
	Path        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %s (status %d)", e.Path, e.Kind, e.Description, e.StatusCode)
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind auth.Kind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// do sends a request and decodes a JSON response into out. Non-2xx responses
// become *APIError.
func (c *Client) do(ctx context.Context, method, url string, in any, header http.Header, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("request", "method", method, "url", url)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp, req.URL.Path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response, path string) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Path: path}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body auth.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		apiErr.Kind = body.Error
		apiErr.Description = body.Description
		apiErr.RetryAfter = body.RetryAfter
		return apiErr
	}

	apiErr.Kind = auth.KindServerError
	apiErr.Description = strings.TrimSpace(string(data))
	if apiErr.Description == "" {
		apiErr.Description = resp.Status
	}
	return apiErr
}

// Discover fetches the site descriptor.
func (c *Client) Discover(ctx context.Context) (*discovery.Descriptor, error) {
	var d discovery.Descriptor
	if err := c.do(ctx, http.MethodGet, c.baseURL+discovery.WellKnownPath, nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Challenge asks the site for a fresh nonce.
func (c *Client) Challenge(ctx context.Context) (*nonce.Challenge, error) {
	var ch nonce.Challenge
	if err := c.do(ctx, http.MethodGet, c.baseURL+discovery.ChallengePath, nil, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Authenticate runs the challenge/proof handshake and caches the resulting token.
func (c *Client) Authenticate(ctx context.Context) (*auth.IssuedToken, error) {
	ch, err := c.Challenge(ctx)
	if err != nil {
		return nil, fmt.Errorf("requesting challenge: %w", err)
	}

	proof, err := c.signer.Sign(ch.Nonce)
	if err != nil {
		return nil, fmt.Errorf("signing proof: %w", err)
	}
	pub, err := c.signer.PublicKeyString()
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}

	tokenURL := ch.TokenEndpoint
	if tokenURL == "" {
		tokenURL = c.baseURL + discovery.TokenPath
	}

	var issued auth.IssuedToken
	err = c.do(ctx, http.MethodPost, tokenURL, auth.ProofRequest{
		Nonce: ch.Nonce,
		Proof: proof,
		Agent: auth.AgentIdentity{
			ID:              c.signer.AgentID,
			PublicKey:       pub,
			RequestedScopes: c.scopes,
		},
	}, nil, &issued)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.token = issued.Token
	c.scope = issued.Scope
	c.expiresAt = c.now().Add(time.Duration(issued.ExpiresIn) * time.Second)
	c.tokenID = tokenIDOf(issued.Token)
	c.mu.Unlock()

	c.logger.Info("authenticated", "scope", issued.Scope, "expires_in", issued.ExpiresIn)
	return &issued, nil
}

// tokenIDOf reads the jti of a token without verifying it. The site is the only
// party that verifies tokens; the agent only needs the id for revocation.
func tokenIDOf(token string) string {
	claims := &auth.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	return claims.ID
}

// Token returns a cached agent token, authenticating when there is none or it is
// about to expire.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, exp := c.token, c.expiresAt
	c.mu.Unlock()

	if token != "" && c.now().Add(refreshMargin).Before(exp) {
		return token, nil
	}
	if _, err := c.Authenticate(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

// TokenID returns the id of the cached agent token, or "".
func (c *Client) TokenID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenID
}

// Scope returns the scope granted to the cached agent token.
func (c *Client) Scope() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

// forget drops the cached token so the next call re-authenticates.
func (c *Client) forget(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
		c.tokenID = ""
		c.expiresAt = time.Time{}
	}
}

// authorized sends a request carrying the agent token. A rejected token is
// replaced once by a fresh handshake.
func (c *Client) authorized(ctx context.Context, method, url string, in any, userToken string, out any) error {
	token, err := c.Token(ctx)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	if userToken != "" {
		header.Set(auth.UserTokenHeader, "Bearer "+userToken)
	}

	err = c.do(ctx, method, url, in, header, out)
	if !IsKind(err, auth.KindInvalidToken) || userToken != "" {
		return err
	}

	// The site may have restarted or the token been revoked: retry once.
	c.logger.Info("agent token rejected, re-authenticating")
	c.forget(token)
	if token, err = c.Token(ctx); err != nil {
		return err
	}
	header.Set("Authorization", "Bearer "+token)
	return c.do(ctx, method, url, in, header, out)
}

// Call makes a gated call to path on the site. userToken, when non-empty, is sent
// as the delegated user token. The JSON response is decoded into out when non-nil.
func (c *Client) Call(ctx context.Context, method, path string, in any, userToken string, out any) error {
	return c.authorized(ctx, method, c.baseURL+path, in, userToken, out)
}

// RevokeResult is the response of a revocation.
type RevokeResult struct {
	TokenID string `json:"token_id"`
	Revoked int    `json:"revoked"`
}

// Revoke revokes tokenID, which must be the agent's own token or a user token
// delegated to it. An empty tokenID revokes the agent's current token.
func (c *Client) Revoke(ctx context.Context, tokenID string) (*RevokeResult, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	var res RevokeResult
	body := map[string]string{}
	if tokenID != "" {
		body["token_id"] = tokenID
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+discovery.RevocationPath, body, header, &res); err != nil {
		return nil, err
	}
	if tokenID == "" || res.TokenID == c.TokenID() {
		c.forget(token)
	}
	return &res, nil
}
