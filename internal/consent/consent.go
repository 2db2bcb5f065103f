// ABOUTME: Human-facing consent page for delegation requests
// ABOUTME: Identifies the user by session token, renders the request and records approve or deny

package consent

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/agentready-gateway/internal/auth"
	"github.com/2389/agentready-gateway/internal/delegation"
	"github.com/2389/agentready-gateway/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/consent.html"))

const (
	// SessionCookieName carries the site-issued session token of the human user.
	SessionCookieName = "agentready_session"

	// CSRFCookieName is the double-submit cookie guarding the consent form.
	CSRFCookieName = "agentready_csrf"
)

var errNoSession = errors.New("no session")

// Decider is the part of the delegation broker the consent page drives.
type Decider interface {
	Get(ctx context.Context, id string) (*store.DelegationRequest, error)
	Consent(ctx context.Context, id, userID string, approved []string) (*delegation.Decision, error)
	Deny(ctx context.Context, id, userID string) (*delegation.Decision, error)
}

// Config wires a Handler.
type Config struct {
	Broker   Decider
	Sessions *auth.JWTVerifier

	// LoginURL, when set, is where users without a session are redirected. The
	// consent page URL is appended as the return_to query parameter.
	LoginURL string
	Logger   *slog.Logger
}

// Handler serves GET and POST /consent/{id}.
type Handler struct {
	broker   Decider
	sessions *auth.JWTVerifier
	loginURL string
	logger   *slog.Logger
	md       goldmark.Markdown
}

// New creates a consent Handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		broker:   cfg.Broker,
		sessions: cfg.Sessions,
		loginURL: cfg.LoginURL,
		logger:   cfg.Logger.With("component", "consent"),
		// Raw HTML in the purpose is dropped; goldmark only passes it through
		// with html.WithUnsafe.
		md: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

type pageData struct {
	Title       string
	Message     string
	AgentID     string
	Purpose     template.HTML
	Scopes      []string
	SessionEnds string
	ExpiresAt   time.Time
	CSRFToken   string
	Pending     bool
	Code        string
}

// ServeHTTP implements http.Handler. The request id comes from the {id} path value.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		h.handleShow(w, r)
	case http.MethodPost:
		h.handleDecide(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		h.render(w, http.StatusMethodNotAllowed, pageData{Title: "Not allowed", Message: "Unsupported method."})
	}
}

func (h *Handler) handleShow(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	req, err := h.broker.Get(r.Context(), id)
	if err != nil {
		h.renderError(w, err)
		return
	}
	if req.UserID != userID {
		h.logger.Warn("consent page opened by another user", "id", id, "user_id", userID)
		h.render(w, http.StatusForbidden, pageData{Title: "Not your request", Message: "This request was made for a different account."})
		return
	}

	csrfToken := h.ensureCSRFToken(w, r)
	h.render(w, http.StatusOK, h.requestPage(req, csrfToken))
}

func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.render(w, http.StatusBadRequest, pageData{Title: "Bad request", Message: "Invalid form data."})
		return
	}
	if !validateCSRF(r) {
		h.render(w, http.StatusForbidden, pageData{Title: "Session check failed", Message: "Please reload the page and try again."})
		return
	}

	id := r.PathValue("id")
	var (
		decision *delegation.Decision
		err      error
	)
	switch r.PostForm.Get("action") {
	case "approve":
		scopes := r.PostForm["scope"]
		if r.PostForm.Get("scope_selection") != "" && len(scopes) == 0 {
			h.render(w, http.StatusBadRequest, pageData{Title: "Nothing selected", Message: "Select at least one permission, or deny the request."})
			return
		}
		decision, err = h.broker.Consent(r.Context(), id, userID, scopes)
	case "deny":
		decision, err = h.broker.Deny(r.Context(), id, userID)
	default:
		h.render(w, http.StatusBadRequest, pageData{Title: "Bad request", Message: "Choose Allow or Deny."})
		return
	}
	if err != nil {
		h.renderError(w, err)
		return
	}

	page := pageData{Title: "Request denied", Message: "The agent will not be able to act on your behalf."}
	if decision.Status == store.DelegationConsented {
		page = pageData{Title: "Access granted", Message: "You can close this page and return to the agent."}
		// Without a callback the agent can only learn the code through the user.
		req, err := h.broker.Get(r.Context(), id)
		if err == nil && req.CallbackURL == "" {
			page.AgentID = req.AgentID
			page.Code = decision.AuthorizationCode
			page.Message = ""
		}
	}
	h.render(w, http.StatusOK, page)
}

// authenticate resolves the session user, answering the request itself on failure.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.sessionUser(r)
	if err == nil {
		return userID, true
	}

	if !errors.Is(err, errNoSession) {
		h.logger.Warn("invalid session", "error", err, "remote_addr", auth.ClientIP(r))
	}
	if h.loginURL != "" && r.Method == http.MethodGet {
		http.Redirect(w, r, h.loginURL+"?return_to="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		return "", false
	}
	h.render(w, http.StatusUnauthorized, pageData{Title: "Sign in required", Message: "Sign in to the site to review this request."})
	return "", false
}

func (h *Handler) sessionUser(r *http.Request) (string, error) {
	var token string
	if c, err := r.Cookie(SessionCookieName); err == nil {
		token = c.Value
	}
	if token == "" {
		token = auth.BearerToken(r, "Authorization")
	}
	if token == "" || h.sessions == nil {
		return "", errNoSession
	}
	return h.sessions.Verify(token)
}

func (h *Handler) requestPage(req *store.DelegationRequest, csrfToken string) pageData {
	page := pageData{
		Title:     "Review access request",
		AgentID:   req.AgentID,
		ExpiresAt: req.ExpiresAt,
	}
	switch req.Status {
	case store.DelegationPending:
		page.Pending = true
		page.Purpose = h.renderPurpose(req.Purpose)
		page.Scopes = req.Scopes
		page.SessionEnds = fmt.Sprintf("%s after you allow it", formatDuration(req.SessionDuration))
		page.CSRFToken = csrfToken
	case store.DelegationExpired:
		page.Title = "Request expired"
		page.Message = "This request is no longer valid. Ask the agent to start again."
	default:
		page.Title = "Already decided"
		page.Message = fmt.Sprintf("This request has already been %s.", req.Status)
	}
	return page
}

func (h *Handler) renderPurpose(purpose string) template.HTML {
	var buf bytes.Buffer
	if err := h.md.Convert([]byte(purpose), &buf); err != nil {
		h.logger.Error("failed to render purpose", "error", err)
		return template.HTML(template.HTMLEscapeString(purpose))
	}
	return template.HTML(buf.String())
}

func (h *Handler) renderError(w http.ResponseWriter, err error) {
	e := auth.AsError(err)
	if e.Kind == auth.KindServerError {
		h.logger.Error("consent failed", "error", err)
	}

	page := pageData{Title: "Something went wrong", Message: "Please try again later."}
	switch e.Kind {
	case auth.KindNotFound:
		page = pageData{Title: "Request not found", Message: "This link is not valid."}
	case auth.KindAccessDenied:
		page = pageData{Title: "Not your request", Message: "This request was made for a different account."}
	case auth.KindExpiredRequest:
		page = pageData{Title: "Request expired", Message: "This request is no longer valid. Ask the agent to start again."}
	case auth.KindInvalidGrant:
		page = pageData{Title: "Already decided", Message: "This request has already been decided."}
	case auth.KindInvalidRequest:
		page = pageData{Title: "Bad request", Message: e.Description}
	}
	h.render(w, e.Status, page)
}

func (h *Handler) render(w http.ResponseWriter, status int, data pageData) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		h.logger.Error("failed to render consent page", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// ensureCSRFToken reuses the CSRF cookie or sets a fresh one.
func (h *Handler) ensureCSRFToken(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(CSRFCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	token, err := generateSecureToken(32)
	if err != nil {
		h.logger.Error("failed to generate CSRF token", "error", err)
		token = "" // fails validation
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/consent",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	return token
}

// validateCSRF checks the form token against the cookie.
func validateCSRF(r *http.Request) bool {
	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	formToken := r.PostForm.Get("csrf_token")
	if formToken == "" {
		formToken = r.Header.Get("X-CSRF-Token")
	}
	return formToken != "" && subtle.ConstantTimeCompare([]byte(formToken), []byte(cookie.Value)) == 1
}

func setSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; form-action 'self'; frame-ancestors 'none'")
}

func generateSecureToken(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		if d == time.Hour {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		if d == time.Minute {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", d/time.Minute)
	default:
		return d.String()
	}
}
