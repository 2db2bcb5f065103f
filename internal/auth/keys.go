// ABOUTME: Parsing of agent public keys from authorized_keys, PEM or raw Ed25519 form
// ABOUTME: Computes the SHA256 fingerprint recorded on issued tokens

package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrInvalidPublicKey is returned when a public key cannot be parsed.
var ErrInvalidPublicKey = errors.New("invalid public key")

// PublicKey is an agent key usable by every proof format.
type PublicKey struct {
	Crypto crypto.PublicKey // ed25519.PublicKey, *ecdsa.PublicKey or *rsa.PublicKey
	SSH    ssh.PublicKey
}

// Fingerprint returns the lowercase hex SHA256 of the SSH wire encoding of the key.
func (k *PublicKey) Fingerprint() string {
	return ComputeFingerprint(k.SSH)
}

// ComputeFingerprint computes the SHA256 fingerprint of a public key.
// Returns lowercase hex encoding without colons.
func ComputeFingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}

// ParsePublicKey accepts an authorized_keys line ("ssh-ed25519 AAAA..."), a PEM
// encoded SubjectPublicKeyInfo, or a base64 encoded raw 32-byte Ed25519 key.
func ParsePublicKey(s string) (*PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPublicKey)
	}

	if strings.HasPrefix(s, "-----BEGIN") {
		return parsePEMKey(s)
	}

	if strings.HasPrefix(s, "ssh-") || strings.HasPrefix(s, "ecdsa-") {
		sshKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		cpk, ok := sshKey.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported key type %s", ErrInvalidPublicKey, sshKey.Type())
		}
		return &PublicKey{Crypto: cpk.CryptoPublicKey(), SSH: sshKey}, nil
	}

	raw, err := decodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: raw key must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(raw))
	}
	return NewPublicKey(ed25519.PublicKey(raw))
}

func parsePEMKey(s string) (*PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidPublicKey)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return NewPublicKey(pub)
}

// NewPublicKey wraps a Go crypto public key.
func NewPublicKey(pub crypto.PublicKey) (*PublicKey, error) {
	switch pub.(type) {
	case ed25519.PublicKey, *ecdsa.PublicKey, *rsa.PublicKey:
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidPublicKey, pub)
	}
	sshKey, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return &PublicKey{Crypto: pub, SSH: sshKey}, nil
}

// MarshalAuthorizedKey renders a key as a single authorized_keys line without newline.
func MarshalAuthorizedKey(pub crypto.PublicKey) (string, error) {
	k, err := NewPublicKey(pub)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(k.SSH))), nil
}

// decodeBase64 accepts standard or URL-safe base64, padded or not.
func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("invalid base64")
}
