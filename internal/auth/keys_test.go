// ABOUTME: Tests for public key parsing and fingerprinting
// ABOUTME: Covers authorized_keys, PEM SPKI and raw Ed25519 encodings

package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestParsePublicKey_Encodings(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	want := ComputeFingerprint(sshPub)

	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	encodings := map[string]string{
		"authorized_keys": string(ssh.MarshalAuthorizedKey(sshPub)),
		"pem":             string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
		"raw std":         base64.StdEncoding.EncodeToString(pub),
		"raw url":         base64.RawURLEncoding.EncodeToString(pub),
	}

	for name, enc := range encodings {
		t.Run(name, func(t *testing.T) {
			k, err := ParsePublicKey(enc)
			require.NoError(t, err)
			assert.Equal(t, want, k.Fingerprint())
			assert.Equal(t, pub, k.Crypto)
		})
	}
}

func TestParsePublicKey_Invalid(t *testing.T) {
	for name, enc := range map[string]string{
		"empty":      "",
		"short raw":  base64.StdEncoding.EncodeToString([]byte("too short")),
		"bad ssh":    "ssh-ed25519 not-base64!!",
		"bad pem":    "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n",
		"not base64": "%%%",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePublicKey(enc)
			assert.ErrorIs(t, err, ErrInvalidPublicKey)
		})
	}
}

func TestMarshalAuthorizedKey_RoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	line, err := MarshalAuthorizedKey(pub)
	require.NoError(t, err)
	assert.NotContains(t, line, "\n")

	k, err := ParsePublicKey(line)
	require.NoError(t, err)
	assert.Equal(t, pub, k.Crypto)
}
