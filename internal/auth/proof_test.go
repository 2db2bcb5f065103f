// ABOUTME: Tests for proof verification across JWS, SSH and COSE formats
// ABOUTME: Covers nonce and agent binding, skew window, wrong keys and tampering

package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateTestKey creates an agent key of the named type.
func generateTestKey(t *testing.T, kind string) crypto.Signer {
	t.Helper()
	switch kind {
	case "ecdsa":
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		return k
	default:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		return k
	}
}

func publicKeyOf(t *testing.T, signer crypto.Signer) *PublicKey {
	t.Helper()
	k, err := NewPublicKey(signer.Public())
	require.NoError(t, err)
	return k
}

var proofNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testVerifier() *Verifier {
	v := NewVerifier(0)
	v.SetClock(func() time.Time { return proofNow })
	return v
}

func TestVerifier_AllFormats(t *testing.T) {
	for _, keyKind := range []string{"ed25519", "ecdsa"} {
		for _, format := range SupportedProofFormats {
			t.Run(keyKind+"/"+string(format), func(t *testing.T) {
				key := generateTestKey(t, keyKind)
				signer := &ProofSigner{Key: key, AgentID: "agent-1", Format: format, Now: func() time.Time { return proofNow }}

				proof, err := signer.Sign("abc123")
				require.NoError(t, err)

				claims, err := testVerifier().Verify("abc123", "agent-1", proof, publicKeyOf(t, key))
				require.NoError(t, err)
				assert.Equal(t, "abc123", claims.Nonce)
				assert.Equal(t, "agent-1", claims.AgentID)
				assert.Equal(t, format, claims.Format)
			})
		}
	}
}

func TestVerifier_Rejections(t *testing.T) {
	key := generateTestKey(t, "ed25519")
	other := generateTestKey(t, "ed25519")

	for _, format := range SupportedProofFormats {
		t.Run(string(format), func(t *testing.T) {
			sign := func(at time.Time) Proof {
				s := &ProofSigner{Key: key, AgentID: "agent-1", Format: format, Now: func() time.Time { return at }}
				p, err := s.Sign("abc123")
				require.NoError(t, err)
				return p
			}

			tests := []struct {
				name    string
				nonce   string
				agentID string
				proof   Proof
				key     *PublicKey
			}{
				{"wrong nonce", "other-nonce", "agent-1", sign(proofNow), publicKeyOf(t, key)},
				{"wrong agent", "abc123", "agent-2", sign(proofNow), publicKeyOf(t, key)},
				{"wrong key", "abc123", "agent-1", sign(proofNow), publicKeyOf(t, other)},
				{"too old", "abc123", "agent-1", sign(proofNow.Add(-6 * time.Minute)), publicKeyOf(t, key)},
				{"in the future", "abc123", "agent-1", sign(proofNow.Add(6 * time.Minute)), publicKeyOf(t, key)},
				{"empty proof", "abc123", "agent-1", Proof{Format: format}, publicKeyOf(t, key)},
				{"garbage", "abc123", "agent-1", Proof{Format: format, Value: "bm90IGEgcHJvb2Y", Timestamp: proofNow.Unix()}, publicKeyOf(t, key)},
				{"missing key", "abc123", "agent-1", sign(proofNow), nil},
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					_, err := testVerifier().Verify(tt.nonce, tt.agentID, tt.proof, tt.key)
					require.Error(t, err)
					assert.True(t, errors.Is(err, ErrProofRejected), "error should wrap ErrProofRejected: %v", err)
				})
			}
		})
	}
}

func TestVerifier_WithinSkew(t *testing.T) {
	key := generateTestKey(t, "ed25519")
	s := &ProofSigner{Key: key, AgentID: "agent-1", Now: func() time.Time { return proofNow.Add(-4 * time.Minute) }}
	proof, err := s.Sign("abc123")
	require.NoError(t, err)

	_, err = testVerifier().Verify("abc123", "agent-1", proof, publicKeyOf(t, key))
	assert.NoError(t, err)
}

func TestVerifier_UnsupportedFormat(t *testing.T) {
	key := generateTestKey(t, "ed25519")
	_, err := testVerifier().Verify("n", "a", Proof{Format: "pgp", Value: "x"}, publicKeyOf(t, key))
	assert.ErrorIs(t, err, ErrProofRejected)
}

func TestVerifier_RestrictedFormats(t *testing.T) {
	key := generateTestKey(t, "ed25519")
	v := NewVerifier(0, ProofSSH)
	v.SetClock(func() time.Time { return proofNow })

	jws := &ProofSigner{Key: key, AgentID: "agent-1", Now: func() time.Time { return proofNow }}
	proof, err := jws.Sign("abc123")
	require.NoError(t, err)
	_, err = v.Verify("abc123", "agent-1", proof, publicKeyOf(t, key))
	assert.ErrorIs(t, err, ErrProofRejected)

	sshSigner := &ProofSigner{Key: key, AgentID: "agent-1", Format: ProofSSH, Now: func() time.Time { return proofNow }}
	proof, err = sshSigner.Sign("abc123")
	require.NoError(t, err)
	_, err = v.Verify("abc123", "agent-1", proof, publicKeyOf(t, key))
	assert.NoError(t, err)
}

func TestProof_UnmarshalJSON(t *testing.T) {
	var p Proof
	require.NoError(t, json.Unmarshal([]byte(`"eyJhbGciOi.x.y"`), &p))
	assert.Equal(t, Proof{Format: ProofJWS, Value: "eyJhbGciOi.x.y"}, p)

	require.NoError(t, json.Unmarshal([]byte(`{"format":"ssh","value":"c2ln","timestamp":1700000000}`), &p))
	assert.Equal(t, Proof{Format: ProofSSH, Value: "c2ln", Timestamp: 1700000000}, p)

	require.NoError(t, json.Unmarshal([]byte(`{"value":"abc"}`), &p))
	assert.Equal(t, ProofJWS, p.Format)
}
