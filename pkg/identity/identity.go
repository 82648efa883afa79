// Package identity resolves mandate proofs to cryptographic keys and
// verifies signatures. A verification method encodes algorithm and public
// key as "<alg>:<base64url-key>"; the registry answers whether that key is
// bound to an agent on a given domain.
package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Algorithm names accepted in verification methods.
type Algorithm string

const (
	AlgEd25519   Algorithm = "ed25519"
	AlgECDSAP256 Algorithm = "ecdsa-p256"
	AlgPS256     Algorithm = "ps256"
	AlgRS256     Algorithm = "rs256"
)

// MessageAlgorithm reports whether alg is permitted for direct mandate
// signatures. RSA variants are reserved for linked objects.
func (a Algorithm) MessageAlgorithm() bool {
	return a == AlgEd25519 || a == AlgECDSAP256
}

// Method is a parsed verification method.
type Method struct {
	Algorithm Algorithm
	Key       PublicKey
	// Raw is the key material exactly as it appeared, used for binding
	// fingerprints.
	Raw []byte
}

// PublicKey is the union of supported key types.
type PublicKey interface{}

// ParseMethod splits "<alg>:<base64url-key>" and decodes the key for the
// named algorithm. Ed25519 keys are 32 raw bytes; ECDSA-P256 keys are
// uncompressed SEC1 points or PKIX DER; RSA keys are PKIX DER.
func ParseMethod(method string) (*Method, error) {
	alg, encoded, ok := strings.Cut(method, ":")
	if !ok {
		return nil, fmt.Errorf("verification_method %q: want <alg>:<key>", method)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, fmt.Errorf("verification_method key is not base64url: %w", err)
	}
	m := &Method{Algorithm: Algorithm(strings.ToLower(alg)), Raw: raw}
	switch m.Algorithm {
	case AlgEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("ed25519 key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
		}
		m.Key = ed25519.PublicKey(raw)
	case AlgECDSAP256:
		key, err := parseP256(raw)
		if err != nil {
			return nil, err
		}
		m.Key = key
	case AlgPS256, AlgRS256:
		pub, err := x509.ParsePKIXPublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse RSA key: %w", err)
		}
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("key is %T, want *rsa.PublicKey", pub)
		}
		m.Key = rsaKey
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", alg)
	}
	return m, nil
}

func parseP256(raw []byte) (*ecdsa.PublicKey, error) {
	curve := elliptic.P256()
	byteLen := (curve.Params().BitSize + 7) / 8
	if len(raw) == 1+2*byteLen && raw[0] == 4 {
		x := new(big.Int).SetBytes(raw[1 : 1+byteLen])
		y := new(big.Int).SetBytes(raw[1+byteLen:])
		if !curve.IsOnCurve(x, y) {
			return nil, fmt.Errorf("ecdsa-p256 point is not on the curve")
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	}
	pub, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse ecdsa-p256 key: %w", err)
	}
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok || key.Curve != curve {
		return nil, fmt.Errorf("key is not an ecdsa-p256 public key")
	}
	return key, nil
}

// Verify checks sig over message for the method's algorithm. Ed25519 signs
// the message directly; the other algorithms sign its SHA-256 digest.
func (m *Method) Verify(message, sig []byte) error {
	switch key := m.Key.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(key, message, sig) {
			return fmt.Errorf("ed25519 signature verification failed")
		}
		return nil
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(message)
		if !ecdsa.VerifyASN1(key, digest[:], sig) {
			return fmt.Errorf("ecdsa signature verification failed")
		}
		return nil
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		if m.Algorithm == AlgPS256 {
			if err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], sig, nil); err != nil {
				return fmt.Errorf("ps256 signature verification failed: %w", err)
			}
			return nil
		}
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("rs256 signature verification failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported key type %T", m.Key)
	}
}

// Fingerprint is the stable identifier of the key material, independent of
// encoding padding.
func (m *Method) Fingerprint() string {
	sum := sha256.Sum256(m.Raw)
	return hex.EncodeToString(sum[:])
}

// EncodeMethod renders a verification method string for the given key.
func EncodeMethod(alg Algorithm, raw []byte) string {
	return string(alg) + ":" + base64.RawURLEncoding.EncodeToString(raw)
}
