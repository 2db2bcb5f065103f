// ABOUTME: Authorization codes and PKCE verification for the delegation exchange
// ABOUTME: Codes are random, returned once, and persisted only as SHA-256 hashes

package delegation

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// MethodS256 is the only accepted code_challenge_method.
const MethodS256 = "S256"

// codeSize is the number of random bytes in an authorization code.
const codeSize = 32

// newCode returns a fresh authorization code and its stored hash.
func newCode(random io.Reader) (code, hash string, err error) {
	buf := make([]byte, codeSize)
	if _, err := io.ReadFull(random, buf); err != nil {
		return "", "", fmt.Errorf("generating authorization code: %w", err)
	}
	code = base64.RawURLEncoding.EncodeToString(buf)
	return code, hashCode(code), nil
}

// hashCode is the persisted form of an authorization code.
func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// codeMatches compares a presented code with a stored hash in constant time.
func codeMatches(code, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(hashCode(code)), []byte(hash)) == 1
}

// S256Challenge derives the code_challenge for a code_verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewVerifier returns a random code_verifier of 43 characters.
func NewVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// verifyPKCE checks verifier against the challenge recorded at request time.
func verifyPKCE(challenge, verifier string) bool {
	if verifier == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(S256Challenge(verifier)), []byte(challenge)) == 1
}
