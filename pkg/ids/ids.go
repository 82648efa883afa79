// Package ids generates the opaque, URL-safe identifiers used across the
// platform. Every identifier carries a stable type prefix so logs and audit
// entries stay self-describing.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefixes for each entity family. These are part of the wire contract and
// must never change for existing data.
const (
	PrefixWallet   = "wallet"
	PrefixAgent    = "agent"
	PrefixTx       = "tx"
	PrefixHold     = "hold"
	PrefixMandate  = "mandate"
	PrefixCheckout = "cs"
	PrefixEscrow   = "esc"
	PrefixAnchor   = "anchor"
	PrefixJourney  = "jrny"
	PrefixOrg      = "org"
	PrefixTeam     = "team"
	PrefixMember   = "member"
	PrefixRequest  = "req"
	PrefixBreak    = "brk"
	PrefixReview   = "rev"
	PrefixCycle    = "cycle"
	PrefixAlloc    = "alloc"
	PrefixEntry    = "ent"
	PrefixEvent    = "evt"
)

// New returns a fresh identifier with the given prefix, e.g. "agent_4f9c…".
// The random part is a dashless UUIDv4, which keeps the value URL-safe.
func New(prefix string) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "_" + raw
}

// NewWallet returns a wallet identifier.
func NewWallet() string { return New(PrefixWallet) }

// NewAgent returns an agent identifier.
func NewAgent() string { return New(PrefixAgent) }

// NewMandate returns a mandate identifier.
func NewMandate() string { return New(PrefixMandate) }

// NewCheckoutSession returns a checkout session identifier.
func NewCheckoutSession() string { return New(PrefixCheckout) }

// NewEscrow returns an escrow identifier.
func NewEscrow() string { return New(PrefixEscrow) }

// NewAnchor returns an anchor identifier.
func NewAnchor() string { return New(PrefixAnchor) }

// NewOrg returns an organization identifier.
func NewOrg() string { return New(PrefixOrg) }

// NewTeam returns a team identifier.
func NewTeam() string { return New(PrefixTeam) }

// NewMember returns an org membership identifier.
func NewMember() string { return New(PrefixMember) }

// NewTx returns a transaction identifier.
func NewTx() string { return New(PrefixTx) }

// NewRequest returns a service request identifier.
func NewRequest() string { return New(PrefixRequest) }

// NewBreak returns a reconciliation break identifier.
func NewBreak() string { return New(PrefixBreak) }

// NewReview returns a manual review identifier.
func NewReview() string { return New(PrefixReview) }

// NewCycle returns a budget cycle identifier.
func NewCycle() string { return New(PrefixCycle) }

// NewAllocation returns a budget allocation identifier.
func NewAllocation() string { return New(PrefixAlloc) }

// NewEvent returns a canonical event identifier.
func NewEvent() string { return New(PrefixEvent) }

// JourneyID derives the deterministic journey identifier for a payment
// attempt. Identical (org, rail, external reference) triples always map to
// the same journey so concurrent webhook deliveries converge on one row.
func JourneyID(orgID, rail, externalRef string) string {
	sum := sha256.Sum256([]byte(orgID + ":" + rail + ":" + externalRef))
	return PrefixJourney + "_" + hex.EncodeToString(sum[:])[:24]
}

// HasPrefix reports whether id carries the given type prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}

// Validate checks that id is non-empty, carries the expected prefix and has a
// non-empty random part.
func Validate(id, prefix string) error {
	if id == "" {
		return fmt.Errorf("empty %s id", prefix)
	}
	if !HasPrefix(id, prefix) {
		return fmt.Errorf("id %q lacks prefix %q", id, prefix)
	}
	if len(id) <= len(prefix)+1 {
		return fmt.Errorf("id %q has empty suffix", id)
	}
	return nil
}
