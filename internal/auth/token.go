// ABOUTME: JWT bearer tokens for agents, delegated users and consent sessions
// ABOUTME: Uses HS256 signing with configurable secret

package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/agentready-gateway/internal/store"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenType distinguishes agent tokens from delegated user tokens.
type TokenType string

const (
	TokenTypeAgent TokenType = "agent"
	TokenTypeUser  TokenType = "user"
)

// Claims is the payload of an agent or user token.
type Claims struct {
	Type  TokenType `json:"typ"`
	Scope string    `json:"scope"`
	// User tokens only: the delegating agent token id and agent id.
	AgentTokenID string `json:"agt,omitempty"`
	Actor        string `json:"act,omitempty"`
	jwt.RegisteredClaims
}

// Scopes returns the granted scopes.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasScope reports whether scope was granted.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes(), scope)
}

// NewClaims builds the token payload for a registry record.
func NewClaims(rec *store.TokenRecord) *Claims {
	c := &Claims{
		Type:  TokenTypeAgent,
		Scope: store.JoinScopes(rec.Scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        rec.ID,
			Subject:   rec.Subject,
			IssuedAt:  jwt.NewNumericDate(rec.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(rec.ExpiresAt),
		},
	}
	if rec.Kind == store.TokenKindUser {
		c.Type = TokenTypeUser
		c.AgentTokenID = rec.ParentID
		c.Actor = rec.AgentID
	}
	return c
}

// JWTVerifier signs and verifies HS256 JWTs.
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTVerifier creates a new JWT verifier with the given secret. When issuer is
// non-empty it is stamped on generated tokens and required on verified ones.
func NewJWTVerifier(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (v *JWTVerifier) SetClock(now func() time.Time) {
	v.now = now
}

func (v *JWTVerifier) parser() *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	return jwt.NewParser(opts...)
}

func (v *JWTVerifier) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return v.secret, nil
}

// Issue signs claims, filling iss when configured.
func (v *JWTVerifier) Issue(claims *Claims) (string, error) {
	if claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// VerifyToken validates the signature and expiry of a token of the wanted type.
func (v *JWTVerifier) VerifyToken(tokenString string, want TokenType) (*Claims, error) {
	var claims Claims
	token, err := v.parser().ParseWithClaims(tokenString, &claims, v.keyFunc)
	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Type != want {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrInvalidToken, want, claims.Type)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: jti", ErrMissingClaim)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if want == TokenTypeUser && claims.AgentTokenID == "" {
		return nil, fmt.Errorf("%w: agt", ErrMissingClaim)
	}
	return &claims, nil
}

// Verify validates a plain session token and extracts the "sub" claim. Session
// tokens are issued by the site's own login and identify the human at the consent page.
func (v *JWTVerifier) Verify(tokenString string) (subject string, err error) {
	token, err := v.parser().Parse(tokenString, v.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	// Agent and user tokens are never sessions.
	if _, typed := claims["typ"]; typed {
		return "", fmt.Errorf("%w: not a session token", ErrInvalidToken)
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// Generate creates a session token for the given subject with expiration.
func (v *JWTVerifier) Generate(subject string, expiresIn time.Duration) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
