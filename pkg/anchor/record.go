// Package anchor periodically commits the audit ledger to a
// blockchain. Each run takes the unanchored tail of the ledger,
// builds a Merkle tree over the entries, submits the root through
// the chain executor and records the batch as an anchor. Any entry
// covered by an anchored batch can then be proven included against
// the on-chain root alone, with no access to this service.
package anchor

import "time"

// Status of an anchor record. Submission moves pending to anchored
// or failed; both outcomes are terminal. A failed batch is retried
// as a fresh record on the next run.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAnchored Status = "anchored"
	StatusFailed   Status = "failed"
)

// Record describes one anchored batch: a contiguous, inclusive range
// of audit entry ids and the Merkle root committed for them.
type Record struct {
	AnchorID      string     `json:"anchor_id"`
	MerkleRoot    string     `json:"merkle_root"`
	EntryCount    int        `json:"entry_count"`
	FirstEntryID  string     `json:"first_entry_id"`
	LastEntryID   string     `json:"last_entry_id"`
	Chain         string     `json:"chain"`
	Status        Status     `json:"status"`
	TxHash        string     `json:"tx_hash,omitempty"`
	BlockNumber   int64      `json:"block_number,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	AnchoredAt    *time.Time `json:"anchored_at,omitempty"`
}

// Covers reports whether the batch range includes the entry id.
func (r *Record) Covers(entryID string) bool {
	return entryID >= r.FirstEntryID && entryID <= r.LastEntryID
}

func (r *Record) clone() *Record {
	out := *r
	if r.AnchoredAt != nil {
		t := *r.AnchoredAt
		out.AnchoredAt = &t
	}
	return &out
}
