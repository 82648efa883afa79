// Package audit is the append-only, tamper-evident ledger of record.
// Every money movement and administrative action lands here as an
// Entry whose hash covers its content and whose prev_hash links it to
// the entry before it, forming a single totally ordered chain.
// Batches of entries are periodically committed to a blockchain by
// the anchor scheduler, which gives external parties an offline
// inclusion check without trusting this service's database.
package audit

import (
	"fmt"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/canonical"
)

// Well-known entry types. The set is open: callers may record their
// own types, these are just the ones the platform emits itself.
const (
	TypePaymentVerified    = "payment.verified"
	TypePaymentSettled     = "payment.settled"
	TypeMandateArchived    = "mandate.archived"
	TypeCheckoutCompleted  = "checkout.completed"
	TypeEscrowReleased     = "escrow.released"
	TypeEscrowRefunded     = "escrow.refunded"
	TypeBudgetAllocated    = "budget.allocated"
	TypeTrustLevelChanged  = "trust.level_changed"
	TypeAccountPaused      = "treasury.account_paused"
	TypeAccountResumed     = "treasury.account_resumed"
	TypeAnchorSubmitted    = "anchor.submitted"
	TypePolicyDecision     = "policy.decision"
	TypeReviewEscalated    = "review.escalated"
)

// Entry is one immutable ledger record. EntryID is a ULID behind the
// "ent_" prefix, so lexicographic order on ids is insertion order.
// EntryHash covers the canonical JSON of the entry with the
// entry_hash field absent; PrevHash is the EntryHash of the previous
// entry, empty for the first.
type Entry struct {
	EntryID     string            `json:"entry_id"`
	Type        string            `json:"type"`
	Actor       string            `json:"actor"`
	Subject     string            `json:"subject"`
	AmountMinor int64             `json:"amount_minor,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	PrevHash    string            `json:"prev_hash"`
	EntryHash   string            `json:"entry_hash,omitempty"`
}

// ComputeHash returns the SHA-256 hex digest of the entry's canonical
// JSON (sorted keys, compact separators) with entry_hash excluded.
func (e *Entry) ComputeHash() (string, error) {
	clone := *e
	clone.EntryHash = ""
	h, err := canonical.Hash(clone)
	if err != nil {
		return "", fmt.Errorf("audit: hash entry %s: %w", e.EntryID, err)
	}
	return h, nil
}

// LeafHash returns the Merkle leaf hash for the entry: the SHA-256
// hex digest of the full canonical JSON, entry_hash included, so the
// leaf binds both the content and the chain position.
func (e *Entry) LeafHash() (string, error) {
	h, err := canonical.Hash(e)
	if err != nil {
		return "", fmt.Errorf("audit: leaf hash entry %s: %w", e.EntryID, err)
	}
	return h, nil
}

func (e *Entry) clone() *Entry {
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
