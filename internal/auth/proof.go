// ABOUTME: Stateless verification of agent proofs over a server-issued nonce
// ABOUTME: Supports compact JWS, SSH signatures and COSE_Sign1 envelopes

package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/veraison/go-cose"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultProofSkew is the accepted distance between a proof timestamp and now.
	DefaultProofSkew = 5 * time.Minute

	// SSHProofNamespace prefixes the message signed in the ssh proof format.
	SSHProofNamespace = "agentready-v1"
)

// ErrProofRejected is wrapped by every verification failure.
var ErrProofRejected = errors.New("proof rejected")

// ProofFormat names a proof envelope.
type ProofFormat string

const (
	ProofJWS  ProofFormat = "jws"
	ProofSSH  ProofFormat = "ssh"
	ProofCOSE ProofFormat = "cose"
)

// SupportedProofFormats lists the formats accepted by Verifier, in preference order.
var SupportedProofFormats = []ProofFormat{ProofJWS, ProofSSH, ProofCOSE}

var jwsMethods = []string{"EdDSA", "ES256", "ES384", "ES512", "RS256", "PS256"}

// Proof is the signed payload an agent posts to the token endpoint.
// On the wire it is either a compact JWS string or an object naming its format.
type Proof struct {
	Format    ProofFormat `json:"format"`
	Value     string      `json:"value"`
	Timestamp int64       `json:"timestamp,omitempty"` // unix seconds, ssh only
}

// UnmarshalJSON accepts a bare string as a JWS proof.
func (p *Proof) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = Proof{Format: ProofJWS, Value: s}
		return nil
	}

	type plain Proof
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Format == "" {
		v.Format = ProofJWS
	}
	*p = Proof(v)
	return nil
}

// ProofClaims are the facts established by a verified proof.
type ProofClaims struct {
	Nonce    string
	AgentID  string
	IssuedAt time.Time
	Format   ProofFormat
}

// Verifier validates proofs. It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	skew    time.Duration
	formats []ProofFormat
	now     func() time.Time
}

// NewVerifier creates a Verifier accepting formats, or every supported format when
// none are given. A non-positive skew selects DefaultProofSkew.
func NewVerifier(skew time.Duration, formats ...ProofFormat) *Verifier {
	if skew <= 0 {
		skew = DefaultProofSkew
	}
	if len(formats) == 0 {
		formats = SupportedProofFormats
	}
	return &Verifier{skew: skew, formats: formats, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// Verify checks that proof is a signature by key over exactly nonce and agentID,
// made within the skew window. Failures wrap ErrProofRejected.
func (v *Verifier) Verify(nonce, agentID string, proof Proof, key *PublicKey) (*ProofClaims, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: missing public key", ErrProofRejected)
	}
	if proof.Value == "" {
		return nil, fmt.Errorf("%w: empty proof", ErrProofRejected)
	}

	format := proof.Format
	if format == "" {
		format = ProofJWS
	}
	if !slices.Contains(v.formats, format) {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrProofRejected, proof.Format)
	}

	var claims *ProofClaims
	var err error
	switch format {
	case ProofJWS:
		claims, err = v.verifyJWS(proof.Value, key)
	case ProofSSH:
		claims, err = v.verifySSH(nonce, agentID, proof, key)
	case ProofCOSE:
		claims, err = v.verifyCOSE(proof.Value, key)
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrProofRejected, proof.Format)
	}
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(nonce)) != 1 {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrProofRejected)
	}
	if claims.AgentID != agentID {
		return nil, fmt.Errorf("%w: subject %q does not match agent id", ErrProofRejected, claims.AgentID)
	}
	if err := v.checkTime(claims.IssuedAt); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) checkTime(t time.Time) error {
	if t.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrProofRejected)
	}
	d := v.now().Sub(t)
	if d > v.skew || d < -v.skew {
		return fmt.Errorf("%w: timestamp outside %v window", ErrProofRejected, v.skew)
	}
	return nil
}

type jwsProofClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

func (v *Verifier) verifyJWS(value string, key *PublicKey) (*ProofClaims, error) {
	// Time claims are checked against the skew window below, not by the parser.
	parser := jwt.NewParser(jwt.WithValidMethods(jwsMethods), jwt.WithoutClaimsValidation())

	var c jwsProofClaims
	if _, err := parser.ParseWithClaims(value, &c, func(*jwt.Token) (any, error) {
		return key.Crypto, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofRejected, err)
	}

	claims := &ProofClaims{Nonce: c.Nonce, AgentID: c.Subject, Format: ProofJWS}
	if c.IssuedAt != nil {
		claims.IssuedAt = c.IssuedAt.Time
	}
	return claims, nil
}

// SSHProofMessage is the exact byte string signed in the ssh proof format.
func SSHProofMessage(nonce string, timestamp int64, agentID string) []byte {
	return fmt.Appendf(nil, "%s|%s|%d|%s", SSHProofNamespace, nonce, timestamp, agentID)
}

func (v *Verifier) verifySSH(nonce, agentID string, proof Proof, key *PublicKey) (*ProofClaims, error) {
	if proof.Timestamp == 0 {
		return nil, fmt.Errorf("%w: missing timestamp", ErrProofRejected)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(proof.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid signature encoding: %v", ErrProofRejected, err)
	}

	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return nil, fmt.Errorf("%w: invalid signature format: %v", ErrProofRejected, err)
	}

	// The signed message binds nonce and agent id, so they are taken as claimed.
	if err := key.SSH.Verify(SSHProofMessage(nonce, proof.Timestamp, agentID), sig); err != nil {
		return nil, fmt.Errorf("%w: signature verification failed: %v", ErrProofRejected, err)
	}

	return &ProofClaims{
		Nonce:    nonce,
		AgentID:  agentID,
		IssuedAt: time.Unix(proof.Timestamp, 0),
		Format:   ProofSSH,
	}, nil
}

// COSEProofPayload is the CBOR map carried in a COSE_Sign1 proof.
type COSEProofPayload struct {
	Nonce    string `cbor:"nonce"`
	IssuedAt int64  `cbor:"iat"`
	Subject  string `cbor:"sub"`
}

// Duplicate map keys would let a payload carry two different nonces.
var coseDecMode, _ = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()

func (v *Verifier) verifyCOSE(value string, key *PublicKey) (*ProofClaims, error) {
	raw, err := decodeBase64(value)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid encoding: %v", ErrProofRejected, err)
	}

	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(raw); err != nil {
		return nil, fmt.Errorf("%w: invalid COSE_Sign1: %v", ErrProofRejected, err)
	}

	alg, err := msg.Headers.Protected.Algorithm()
	if err != nil {
		return nil, fmt.Errorf("%w: detect algorithm: %v", ErrProofRejected, err)
	}
	verifier, err := cose.NewVerifier(alg, key.Crypto)
	if err != nil {
		return nil, fmt.Errorf("%w: init verifier: %v", ErrProofRejected, err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, fmt.Errorf("%w: sign1 verification: %v", ErrProofRejected, err)
	}

	var payload COSEProofPayload
	if err := coseDecMode.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid payload: %v", ErrProofRejected, err)
	}

	claims := &ProofClaims{Nonce: payload.Nonce, AgentID: payload.Subject, Format: ProofCOSE}
	if payload.IssuedAt != 0 {
		claims.IssuedAt = time.Unix(payload.IssuedAt, 0)
	}
	return claims, nil
}
