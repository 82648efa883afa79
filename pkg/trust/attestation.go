package trust

import (
	"encoding/hex"
	"time"
)

// AttestationType classifies third-party claims about an agent.
type AttestationType string

const (
	AttestationIdentity     AttestationType = "identity"
	AttestationCapability   AttestationType = "capability"
	AttestationCompliance   AttestationType = "compliance"
	AttestationCodeAudit    AttestationType = "code_audit"
	AttestationBehavior     AttestationType = "behavior"
	AttestationCounterparty AttestationType = "counterparty"
)

// Attestation is a signed claim by an issuer about an agent.
type Attestation struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Type      AttestationType `json:"type"`
	IssuerID  string          `json:"issuer_id"`
	Claim     string          `json:"claim"`
	Signature string          `json:"signature"`
	IssuedAt  time.Time       `json:"issued_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Revoked   bool            `json:"revoked"`
}

// Current reports whether the attestation is usable at the given instant.
func (a *Attestation) Current(now time.Time) bool {
	return !a.Revoked && a.ExpiresAt.After(now) && !a.IssuedAt.After(now)
}

// CodeAttestation certifies the hash of the code an agent runs. It is the
// gate for the ATTESTED KYA level.
type CodeAttestation struct {
	AgentID   string    `json:"agent_id"`
	CodeHash  string    `json:"code_hash"`
	Attestor  string    `json:"attestor"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// Valid reports whether the attestation is current and its code hash is a
// well-formed SHA-256 digest.
func (c *CodeAttestation) Valid(now time.Time) bool {
	if c.Revoked || !c.ExpiresAt.After(now) {
		return false
	}
	if len(c.CodeHash) != 64 {
		return false
	}
	_, err := hex.DecodeString(c.CodeHash)
	return err == nil
}
