package anchor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/audit"
	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/ids"
	"github.com/Aegis-Labs/aegispay/pkg/merkle"
)

// Error codes.
const (
	CodeNotCovered    = "entry_not_anchored"
	CodeNotPending    = "anchor_not_pending"
	CodeBatchMismatch = "anchor_batch_mismatch"
	CodeRootMismatch  = "anchor_root_mismatch"
	CodeSubmitFailed  = "anchor_submit_failed"
	CodeNoBlobStore   = "blob_store_not_configured"
)

// ChainExecutor submits Merkle roots to the configured chain. It is
// an external collaborator; implementations are expected to be
// idempotent on anchorID.
type ChainExecutor interface {
	SubmitRoot(ctx context.Context, anchorID, merkleRoot string) (*ChainReceipt, error)
}

// ChainReceipt is the executor's acknowledgement of a submitted root.
type ChainReceipt struct {
	TxHash      string `json:"tx_hash"`
	Chain       string `json:"chain"`
	BlockNumber int64  `json:"block_number,omitempty"`
}

// Config bounds the anchoring cadence and batch size.
type Config struct {
	// Interval between anchoring attempts.
	Interval time.Duration
	// MinEntries is the backlog floor: smaller backlogs wait for the
	// next tick instead of anchoring a tiny batch.
	MinEntries int
	// MaxEntries caps one batch; a larger backlog drains across runs.
	MaxEntries int
	// Chain names the target chain on the executor.
	Chain string
}

// Defaults applied by NewScheduler for zero Config fields.
const (
	DefaultInterval   = 5 * time.Minute
	DefaultMinEntries = 1
	DefaultMaxEntries = 1024
	DefaultChain      = "base"
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MinEntries <= 0 {
		c.MinEntries = DefaultMinEntries
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.MaxEntries < c.MinEntries {
		c.MaxEntries = c.MinEntries
	}
	if c.Chain == "" {
		c.Chain = DefaultChain
	}
	return c
}

// Scheduler drives periodic anchoring. It is a singleton background
// task; AnchorOnce serializes itself so overlapping ticks cannot
// double-anchor a range.
type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	entries  audit.Store
	store    Store
	executor ChainExecutor
	log      *slog.Logger
	now      func() time.Time
}

// NewScheduler builds a scheduler over the audit entry store, the
// anchor record store and a chain executor. A nil logger falls back
// to slog.Default.
func NewScheduler(cfg Config, entries audit.Store, store Store, executor ChainExecutor, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		entries:  entries,
		store:    store,
		executor: executor,
		log:      log,
		now:      time.Now,
	}
}

// WithClock pins the scheduler's clock.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// AnchorOnce anchors the next batch if the backlog is large enough.
// It returns nil, nil when there is nothing to do. On submission
// failure the record is persisted as failed and returned together
// with the error; the same range is retried as a new record on a
// later run because the cursor only advances past anchored batches.
func (s *Scheduler) AnchorOnce(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor := ""
	last, err := s.store.LastAnchored(ctx)
	if err != nil {
		return nil, err
	}
	if last != nil {
		cursor = last.LastEntryID
	}

	batch, err := s.entries.ListAfter(ctx, cursor, s.cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	if len(batch) < s.cfg.MinEntries {
		return nil, nil
	}

	leaves := make([]string, len(batch))
	for i, e := range batch {
		if leaves[i], err = e.LeafHash(); err != nil {
			return nil, errs.Internal(err)
		}
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, errs.Internal(err)
	}

	now := s.now().UTC()
	rec := &Record{
		AnchorID:     ids.NewAnchor(),
		MerkleRoot:   tree.Root,
		EntryCount:   len(batch),
		FirstEntryID: batch[0].EntryID,
		LastEntryID:  batch[len(batch)-1].EntryID,
		Chain:        s.cfg.Chain,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, err
	}

	receipt, submitErr := s.executor.SubmitRoot(ctx, rec.AnchorID, rec.MerkleRoot)
	rec.UpdatedAt = s.now().UTC()
	if submitErr != nil {
		rec.Status = StatusFailed
		rec.FailureReason = submitErr.Error()
		if err := s.store.Update(ctx, rec); err != nil {
			s.log.ErrorContext(ctx, "anchor failure not persisted", "anchor_id", rec.AnchorID, "error", err)
		}
		s.log.WarnContext(ctx, "anchor submission failed",
			"anchor_id", rec.AnchorID,
			"entries", rec.EntryCount,
			"error", submitErr)
		return rec, errs.Wrap(submitErr, errs.KindService, CodeSubmitFailed, "submit merkle root")
	}

	anchoredAt := rec.UpdatedAt
	rec.Status = StatusAnchored
	rec.TxHash = receipt.TxHash
	if receipt.Chain != "" {
		rec.Chain = receipt.Chain
	}
	rec.BlockNumber = receipt.BlockNumber
	rec.AnchoredAt = &anchoredAt
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "anchored audit batch",
		"anchor_id", rec.AnchorID,
		"entries", rec.EntryCount,
		"root", rec.MerkleRoot,
		"tx_hash", rec.TxHash)
	return rec.clone(), nil
}

// Run loops AnchorOnce on the configured interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.AnchorOnce(ctx); err != nil {
				s.log.Error("anchor run failed", "error", err)
			}
		}
	}
}

// ProofForEntry rebuilds the tree for the anchored batch covering the
// entry and returns the entry's inclusion proof together with the
// anchor record. The proof verifies offline against the record's
// on-chain root via merkle.Verify.
func (s *Scheduler) ProofForEntry(ctx context.Context, entryID string) (*merkle.Proof, *Record, error) {
	rec, err := s.store.FindCovering(ctx, entryID)
	if err != nil {
		return nil, nil, err
	}

	batch, err := s.entries.ListRange(ctx, rec.FirstEntryID, rec.LastEntryID)
	if err != nil {
		return nil, nil, err
	}
	if len(batch) != rec.EntryCount {
		return nil, nil, errs.Newf(errs.KindState, CodeBatchMismatch,
			"anchor %s covers %d entries, store returned %d", rec.AnchorID, rec.EntryCount, len(batch))
	}

	index := -1
	leaves := make([]string, len(batch))
	for i, e := range batch {
		if leaves[i], err = e.LeafHash(); err != nil {
			return nil, nil, errs.Internal(err)
		}
		if e.EntryID == entryID {
			index = i
		}
	}
	if index < 0 {
		return nil, nil, errs.NotFound("audit_entry", entryID)
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, nil, errs.Internal(err)
	}
	if tree.Root != rec.MerkleRoot {
		return nil, nil, errs.Newf(errs.KindState, CodeRootMismatch,
			"rebuilt root for anchor %s does not match the anchored root", rec.AnchorID)
	}

	proof, err := tree.ProofFor(index)
	if err != nil {
		return nil, nil, errs.Internal(err)
	}
	return proof, rec, nil
}
