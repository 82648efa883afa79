package audit

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/ids"
)

// Error codes.
const (
	CodeChainBroken   = "audit_chain_broken"
	CodeEntryExists   = "audit_entry_exists"
	CodeMissingFields = "missing_entry_fields"
)

// Params describes one entry to append. Type, Actor and Subject are
// required; AmountMinor is only set for entries that move money.
type Params struct {
	Type        string
	Actor       string
	Subject     string
	AmountMinor int64
	Metadata    map[string]string
}

// Ledger serializes appends so the chain has a single total order.
// Reads go straight to the store.
type Ledger struct {
	mu      sync.Mutex
	store   Store
	log     *slog.Logger
	now     func() time.Time
	entropy *ulid.MonotonicEntropy

	head       string
	headLoaded bool
}

// NewLedger builds a ledger over the given store. A nil logger falls
// back to slog.Default.
func NewLedger(store Store, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		store:   store,
		log:     log,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// WithClock pins the ledger's clock. Entry ids remain strictly
// increasing even when the clock does not move, because the ULID
// entropy source is monotonic within a timestamp.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Append records a new entry at the head of the chain and returns it
// with EntryID, PrevHash and EntryHash populated.
func (l *Ledger) Append(ctx context.Context, p Params) (*Entry, error) {
	if p.Type == "" || p.Actor == "" || p.Subject == "" {
		return nil, errs.New(errs.KindValidation, CodeMissingFields, "type, actor and subject are required")
	}
	if p.AmountMinor < 0 {
		return nil, errs.New(errs.KindValidation, "invalid_amount", "amount_minor must not be negative")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev, err := l.loadHead(ctx)
	if err != nil {
		return nil, err
	}

	now := l.now().UTC()
	id, err := ulid.New(ulid.Timestamp(now), l.entropy)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindInternal, "ulid_failed", "generate entry id")
	}

	entry := &Entry{
		EntryID:   ids.PrefixEntry + "_" + id.String(),
		Type:      p.Type,
		Actor:     p.Actor,
		Subject:   p.Subject,
		CreatedAt: now,
		PrevHash:  prev,
	}
	entry.AmountMinor = p.AmountMinor
	if len(p.Metadata) > 0 {
		entry.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			entry.Metadata[k] = v
		}
	}

	hash, err := entry.ComputeHash()
	if err != nil {
		return nil, errs.Internal(err)
	}
	entry.EntryHash = hash

	if err := l.store.Append(ctx, entry); err != nil {
		return nil, err
	}
	l.head = hash
	l.headLoaded = true

	l.log.DebugContext(ctx, "audit entry appended",
		"entry_id", entry.EntryID,
		"type", entry.Type,
		"actor", entry.Actor)
	return entry.clone(), nil
}

// Get returns a single entry by id.
func (l *Ledger) Get(ctx context.Context, entryID string) (*Entry, error) {
	return l.store.Get(ctx, entryID)
}

// Head returns the newest entry, or nil for an empty ledger.
func (l *Ledger) Head(ctx context.Context) (*Entry, error) {
	return l.store.Last(ctx)
}

// ChainReport is the result of a full chain verification walk.
type ChainReport struct {
	Entries  int    `json:"entries"`
	Valid    bool   `json:"valid"`
	BrokenAt string `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyChain re-hashes every entry in id order and checks each
// prev_hash link. It reports the first break it finds.
func (l *Ledger) VerifyChain(ctx context.Context) (*ChainReport, error) {
	entries, err := l.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	report := &ChainReport{Entries: len(entries), Valid: true}
	prev := ""
	for _, e := range entries {
		recomputed, err := e.ComputeHash()
		if err != nil {
			return nil, errs.Internal(err)
		}
		switch {
		case recomputed != e.EntryHash:
			report.Valid = false
			report.BrokenAt = e.EntryID
			report.Reason = "entry_hash does not match content"
		case e.PrevHash != prev:
			report.Valid = false
			report.BrokenAt = e.EntryID
			report.Reason = "prev_hash does not match previous entry"
		}
		if !report.Valid {
			return report, nil
		}
		prev = e.EntryHash
	}
	return report, nil
}

// loadHead resolves the chain head hash, reading the store once and
// caching afterwards. Caller holds l.mu.
func (l *Ledger) loadHead(ctx context.Context) (string, error) {
	if l.headLoaded {
		return l.head, nil
	}
	last, err := l.store.Last(ctx)
	if err != nil {
		return "", err
	}
	if last != nil {
		l.head = last.EntryHash
	}
	l.headLoaded = true
	return l.head, nil
}
