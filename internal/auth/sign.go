// ABOUTME: Agent-side proof construction for every supported proof format
// ABOUTME: Used by the client SDK, the fake agent and tests

package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/veraison/go-cose"
	"golang.org/x/crypto/ssh"
)

// ProofSigner signs nonces on behalf of an agent.
type ProofSigner struct {
	Key     crypto.Signer
	AgentID string
	Format  ProofFormat
	Now     func() time.Time // defaults to time.Now
}

// Sign produces a proof over nonce in the signer's format.
func (s *ProofSigner) Sign(nonce string) (Proof, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ts := now()

	switch s.Format {
	case ProofJWS, "":
		return s.signJWS(nonce, ts)
	case ProofSSH:
		return s.signSSH(nonce, ts)
	case ProofCOSE:
		return s.signCOSE(nonce, ts)
	default:
		return Proof{}, fmt.Errorf("unsupported proof format %q", s.Format)
	}
}

// PublicKeyString returns the signer's public key as an authorized_keys line.
func (s *ProofSigner) PublicKeyString() (string, error) {
	return MarshalAuthorizedKey(s.Key.Public())
}

func (s *ProofSigner) signJWS(nonce string, ts time.Time) (Proof, error) {
	var method jwt.SigningMethod
	switch k := s.Key.(type) {
	case ed25519.PrivateKey:
		method = jwt.SigningMethodEdDSA
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			method = jwt.SigningMethodES256
		case elliptic.P384():
			method = jwt.SigningMethodES384
		case elliptic.P521():
			method = jwt.SigningMethodES512
		default:
			return Proof{}, fmt.Errorf("unsupported curve %s", k.Curve.Params().Name)
		}
	case *rsa.PrivateKey:
		method = jwt.SigningMethodRS256
	default:
		return Proof{}, fmt.Errorf("unsupported key type %T", s.Key)
	}

	claims := jwsProofClaims{
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  s.AgentID,
			IssuedAt: jwt.NewNumericDate(ts),
		},
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString(s.Key)
	if err != nil {
		return Proof{}, fmt.Errorf("signing jws proof: %w", err)
	}
	return Proof{Format: ProofJWS, Value: signed}, nil
}

func (s *ProofSigner) signSSH(nonce string, ts time.Time) (Proof, error) {
	signer, err := ssh.NewSignerFromSigner(s.Key)
	if err != nil {
		return Proof{}, fmt.Errorf("creating ssh signer: %w", err)
	}
	sig, err := signer.Sign(rand.Reader, SSHProofMessage(nonce, ts.Unix(), s.AgentID))
	if err != nil {
		return Proof{}, fmt.Errorf("signing ssh proof: %w", err)
	}
	return Proof{
		Format:    ProofSSH,
		Value:     base64.StdEncoding.EncodeToString(ssh.Marshal(sig)),
		Timestamp: ts.Unix(),
	}, nil
}

func coseAlgorithm(key crypto.Signer) (cose.Algorithm, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return cose.AlgorithmEdDSA, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return cose.AlgorithmES256, nil
		case elliptic.P384():
			return cose.AlgorithmES384, nil
		case elliptic.P521():
			return cose.AlgorithmES512, nil
		}
		return 0, fmt.Errorf("unsupported curve %s", k.Curve.Params().Name)
	case *rsa.PrivateKey:
		return cose.AlgorithmPS256, nil
	}
	return 0, fmt.Errorf("unsupported key type %T", key)
}

func (s *ProofSigner) signCOSE(nonce string, ts time.Time) (Proof, error) {
	alg, err := coseAlgorithm(s.Key)
	if err != nil {
		return Proof{}, err
	}
	signer, err := cose.NewSigner(alg, s.Key)
	if err != nil {
		return Proof{}, fmt.Errorf("creating cose signer: %w", err)
	}

	payload, err := cbor.Marshal(COSEProofPayload{Nonce: nonce, IssuedAt: ts.Unix(), Subject: s.AgentID})
	if err != nil {
		return Proof{}, fmt.Errorf("encoding cose payload: %w", err)
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(alg)
	msg.Payload = payload
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return Proof{}, fmt.Errorf("signing cose proof: %w", err)
	}

	raw, err := msg.MarshalCBOR()
	if err != nil {
		return Proof{}, fmt.Errorf("encoding cose proof: %w", err)
	}
	return Proof{Format: ProofCOSE, Value: base64.RawURLEncoding.EncodeToString(raw)}, nil
}
