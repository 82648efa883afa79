package treasury

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// ReplayTTL bounds how long a processed delivery answers duplicates.
const ReplayTTL = 7 * 24 * time.Hour

const (
	secretInfo = "aegispay-webhook-v1"
	secretLen  = 32
)

// Secrets derives per-provider webhook secrets from one master secret via
// HKDF-SHA256, keyed on the provider name. Rotating the master rotates
// every provider secret at once; no derived secret is ever stored.
type Secrets struct {
	master []byte
}

// NewSecrets wraps a master secret. Short masters are rejected outright
// rather than silently weakening every derived key.
func NewSecrets(master []byte) (*Secrets, error) {
	if len(master) < 16 {
		return nil, errs.Validation("webhook_master_secret_too_short", "master secret must be at least 16 bytes")
	}
	return &Secrets{master: append([]byte(nil), master...)}, nil
}

// For returns the derived secret for a provider name.
func (s *Secrets) For(providerName string) ([]byte, error) {
	if providerName == "" {
		return nil, errs.Validation("missing_provider", "provider name is required")
	}
	r := hkdf.New(sha256.New, s.master, []byte(secretInfo), []byte(providerName))
	key := make([]byte, secretLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errs.Internal(err)
	}
	return key, nil
}

// Sign computes the hex HMAC-SHA256 of body under secret. Provider test
// fixtures and outbound webhook plugins share this exact form.
func Sign(secret, body []byte) string {
	m := hmac.New(sha256.New, secret)
	m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}

// VerifySignature checks a delivery signature in constant time. An
// optional "sha256=" prefix is accepted; anything else about the
// signature must match exactly.
func VerifySignature(secret, body []byte, signature string) error {
	sig := strings.TrimPrefix(signature, "sha256=")
	want, err := hex.DecodeString(sig)
	if err != nil || len(want) != sha256.Size {
		return errs.New(errs.KindAuth, CodeBadSignature, "webhook signature is malformed")
	}
	m := hmac.New(sha256.New, secret)
	m.Write(body)
	if !hmac.Equal(m.Sum(nil), want) {
		return errs.New(errs.KindAuth, CodeBadSignature, "webhook signature mismatch")
	}
	return nil
}
