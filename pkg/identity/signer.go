package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Signer produces proofs the verifier accepts. The platform uses one for
// the mandates it mints during checkout completion; tests use throwaway
// signers per agent.
type Signer struct {
	alg    Algorithm
	ed     ed25519.PrivateKey
	ec     *ecdsa.PrivateKey
	method string
	rawPub []byte
}

// NewEd25519Signer generates a fresh Ed25519 signer.
func NewEd25519Signer() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Signer{
		alg:    AlgEd25519,
		ed:     priv,
		method: EncodeMethod(AlgEd25519, pub),
		rawPub: pub,
	}, nil
}

// NewP256Signer generates a fresh ECDSA-P256 signer. The public key is
// encoded as an uncompressed SEC1 point.
func NewP256Signer() (*Signer, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate p256 key: %w", err)
	}
	ecdhPub, err := priv.PublicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("encode p256 key: %w", err)
	}
	raw := ecdhPub.Bytes()
	return &Signer{
		alg:    AlgECDSAP256,
		ec:     priv,
		method: EncodeMethod(AlgECDSAP256, raw),
		rawPub: raw,
	}, nil
}

// VerificationMethod returns the "<alg>:<key>" string for this signer.
func (s *Signer) VerificationMethod() string { return s.method }

// Method parses the signer's own verification method.
func (s *Signer) Method() *Method {
	m, err := ParseMethod(s.method)
	if err != nil {
		panic(fmt.Sprintf("signer produced unparsable method: %v", err))
	}
	return m
}

// Sign returns the base64 proof value over the message.
func (s *Signer) Sign(message []byte) (string, error) {
	switch s.alg {
	case AlgEd25519:
		return base64.StdEncoding.EncodeToString(ed25519.Sign(s.ed, message)), nil
	case AlgECDSAP256:
		digest := sha256.Sum256(message)
		sig, err := ecdsa.SignASN1(rand.Reader, s.ec, digest[:])
		if err != nil {
			return "", fmt.Errorf("sign p256: %w", err)
		}
		return base64.StdEncoding.EncodeToString(sig), nil
	default:
		return "", fmt.Errorf("signer algorithm %q cannot sign", s.alg)
	}
}
