package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/audit"
	"github.com/Aegis-Labs/aegispay/pkg/blob"
	"github.com/Aegis-Labs/aegispay/pkg/canonical"
	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/merkle"
)

// CodeNotAnchored rejects evidence export for batches that never
// reached the chain.
const CodeNotAnchored = "anchor_not_anchored"

// Evidence is a self-contained bundle for one anchored batch: the
// anchor record, the leaf hashes in batch order and an inclusion
// proof per entry. Anyone holding the bundle and trusting the
// on-chain root can verify it without access to the platform.
type Evidence struct {
	Anchor      *Record                  `json:"anchor"`
	GeneratedAt time.Time                `json:"generated_at"`
	LeafHashes  []string                 `json:"leaf_hashes"`
	Proofs      map[string]*merkle.Proof `json:"proofs"`
}

// Exporter writes evidence bundles to content-addressed blob storage.
type Exporter struct {
	entries audit.Store
	store   Store
	blobs   blob.Store
	now     func() time.Time
}

// NewExporter builds an exporter. The blob store may be nil, in
// which case Export fails closed.
func NewExporter(entries audit.Store, store Store, blobs blob.Store) *Exporter {
	return &Exporter{entries: entries, store: store, blobs: blobs, now: time.Now}
}

// WithClock pins the exporter's clock.
func (e *Exporter) WithClock(now func() time.Time) *Exporter {
	e.now = now
	return e
}

// Export assembles the bundle for an anchored batch, writes its
// canonical JSON to the blob store and returns the blob reference.
// Identical bundles produce identical references.
func (e *Exporter) Export(ctx context.Context, anchorID string) (string, *Evidence, error) {
	if e.blobs == nil {
		return "", nil, errs.New(errs.KindState, CodeNoBlobStore, "evidence export requires a blob store")
	}

	rec, err := e.store.Get(ctx, anchorID)
	if err != nil {
		return "", nil, err
	}
	if rec.Status != StatusAnchored {
		return "", nil, errs.Newf(errs.KindState, CodeNotAnchored, "anchor %s is %s, not anchored", anchorID, rec.Status)
	}

	batch, err := e.entries.ListRange(ctx, rec.FirstEntryID, rec.LastEntryID)
	if err != nil {
		return "", nil, err
	}
	if len(batch) != rec.EntryCount {
		return "", nil, errs.Newf(errs.KindState, CodeBatchMismatch,
			"anchor %s covers %d entries, store returned %d", rec.AnchorID, rec.EntryCount, len(batch))
	}

	leaves := make([]string, len(batch))
	for i, entry := range batch {
		if leaves[i], err = entry.LeafHash(); err != nil {
			return "", nil, errs.Internal(err)
		}
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return "", nil, errs.Internal(err)
	}
	if tree.Root != rec.MerkleRoot {
		return "", nil, errs.Newf(errs.KindState, CodeRootMismatch,
			"rebuilt root for anchor %s does not match the anchored root", rec.AnchorID)
	}

	proofs := make(map[string]*merkle.Proof, len(batch))
	for i, entry := range batch {
		proof, err := tree.ProofFor(i)
		if err != nil {
			return "", nil, errs.Internal(err)
		}
		proofs[entry.EntryID] = proof
	}

	bundle := &Evidence{
		Anchor:      rec,
		GeneratedAt: e.now().UTC(),
		LeafHashes:  leaves,
		Proofs:      proofs,
	}
	payload, err := canonical.Compact(bundle)
	if err != nil {
		return "", nil, errs.Internal(err)
	}
	ref, err := e.blobs.Put(ctx, payload)
	if err != nil {
		return "", nil, errs.Wrap(err, errs.KindService, "evidence_store_failed", "store evidence bundle")
	}
	return ref, bundle, nil
}

// VerifyEvidence checks a serialized bundle offline: the leaf set
// must rebuild the anchored root and every proof must verify against
// it. It returns the decoded bundle when everything holds.
func VerifyEvidence(data []byte) (*Evidence, error) {
	var bundle Evidence
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("anchor: decode evidence: %w", err)
	}
	if bundle.Anchor == nil {
		return nil, fmt.Errorf("anchor: evidence has no anchor record")
	}
	if len(bundle.LeafHashes) != bundle.Anchor.EntryCount {
		return nil, fmt.Errorf("anchor: evidence has %d leaves, anchor covers %d entries",
			len(bundle.LeafHashes), bundle.Anchor.EntryCount)
	}
	if len(bundle.Proofs) != bundle.Anchor.EntryCount {
		return nil, fmt.Errorf("anchor: evidence has %d proofs, anchor covers %d entries",
			len(bundle.Proofs), bundle.Anchor.EntryCount)
	}

	tree, err := merkle.Build(bundle.LeafHashes)
	if err != nil {
		return nil, fmt.Errorf("anchor: rebuild evidence tree: %w", err)
	}
	if tree.Root != bundle.Anchor.MerkleRoot {
		return nil, fmt.Errorf("anchor: evidence leaves do not rebuild the anchored root")
	}

	known := make(map[string]bool, len(bundle.LeafHashes))
	for _, h := range bundle.LeafHashes {
		known[h] = true
	}
	for entryID, proof := range bundle.Proofs {
		if !known[proof.LeafHash] {
			return nil, fmt.Errorf("anchor: proof for %s references an unknown leaf", entryID)
		}
		if !proof.VerifyAgainst(bundle.Anchor.MerkleRoot) {
			return nil, fmt.Errorf("anchor: proof for %s does not verify", entryID)
		}
	}
	return &bundle, nil
}
