package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Aegis-Labs/aegispay/pkg/canonical"
	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

type ledgerFixture struct {
	ledger  *Ledger
	store   *MemoryStore
	current time.Time
}

func newLedgerFixture() *ledgerFixture {
	f := &ledgerFixture{
		store:   NewMemoryStore(),
		current: time.Date(2025, 6, 16, 11, 0, 0, 0, time.UTC),
	}
	f.ledger = NewLedger(f.store, nil).WithClock(func() time.Time { return f.current })
	return f
}

func (f *ledgerFixture) append(t *testing.T, typ, subject string, amount int64) *Entry {
	t.Helper()
	e, err := f.ledger.Append(context.Background(), Params{
		Type:        typ,
		Actor:       "agent_ops",
		Subject:     subject,
		AmountMinor: amount,
	})
	require.NoError(t, err)
	return e
}

func TestAppendBuildsChain(t *testing.T) {
	f := newLedgerFixture()

	first := f.append(t, TypePaymentVerified, "mandate_1", 12_00)
	second := f.append(t, TypePaymentSettled, "mandate_1", 12_00)
	third := f.append(t, TypeCheckoutCompleted, "cs_9", 0)

	require.Empty(t, first.PrevHash)
	require.Equal(t, first.EntryHash, second.PrevHash)
	require.Equal(t, second.EntryHash, third.PrevHash)

	for _, e := range []*Entry{first, second, third} {
		require.True(t, strings.HasPrefix(e.EntryID, "ent_"))
		require.Len(t, strings.TrimPrefix(e.EntryID, "ent_"), 26)
		require.Equal(t, f.current, e.CreatedAt)
		require.NotEmpty(t, e.EntryHash)
	}

	// Same pinned timestamp, still strictly increasing ids.
	require.Less(t, first.EntryID, second.EntryID)
	require.Less(t, second.EntryID, third.EntryID)
}

func TestAppendValidates(t *testing.T) {
	f := newLedgerFixture()
	ctx := context.Background()

	_, err := f.ledger.Append(ctx, Params{Actor: "a", Subject: "s"})
	require.Equal(t, CodeMissingFields, errs.CodeOf(err))

	_, err = f.ledger.Append(ctx, Params{Type: "t", Subject: "s"})
	require.Equal(t, CodeMissingFields, errs.CodeOf(err))

	_, err = f.ledger.Append(ctx, Params{Type: "t", Actor: "a"})
	require.Equal(t, CodeMissingFields, errs.CodeOf(err))

	_, err = f.ledger.Append(ctx, Params{Type: "t", Actor: "a", Subject: "s", AmountMinor: -1})
	require.Equal(t, "invalid_amount", errs.CodeOf(err))

	require.Equal(t, 0, f.store.Len())
}

func TestEntryHashCoversContentOnly(t *testing.T) {
	f := newLedgerFixture()
	e := f.append(t, TypeEscrowReleased, "esc_1", 50_00)

	recomputed, err := e.ComputeHash()
	require.NoError(t, err)
	require.Equal(t, e.EntryHash, recomputed)

	// entry_hash itself is excluded from the digest.
	tampered := *e
	tampered.EntryHash = "0000"
	fromTampered, err := tampered.ComputeHash()
	require.NoError(t, err)
	require.Equal(t, recomputed, fromTampered)

	// Any content field is covered.
	tampered = *e
	tampered.Actor = "agent_rogue"
	changed, err := tampered.ComputeHash()
	require.NoError(t, err)
	require.NotEqual(t, recomputed, changed)

	tampered = *e
	tampered.AmountMinor = 50_01
	changed, err = tampered.ComputeHash()
	require.NoError(t, err)
	require.NotEqual(t, recomputed, changed)
}

func TestZeroAmountIsOmittedFromCanonicalForm(t *testing.T) {
	f := newLedgerFixture()
	free := f.append(t, TypePolicyDecision, "mandate_2", 0)
	paid := f.append(t, TypePaymentVerified, "mandate_2", 1)

	doc, err := canonical.Compact(free)
	require.NoError(t, err)
	require.NotContains(t, string(doc), "amount_minor")

	doc, err = canonical.Compact(paid)
	require.NoError(t, err)
	require.Contains(t, string(doc), `"amount_minor":1`)
}

func TestVerifyChainPassesOnIntactLedger(t *testing.T) {
	f := newLedgerFixture()
	for i := 0; i < 5; i++ {
		f.append(t, TypePaymentVerified, fmt.Sprintf("mandate_%d", i), int64(i)*100)
	}

	report, err := f.ledger.VerifyChain(context.Background())
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 5, report.Entries)
	require.Empty(t, report.BrokenAt)
}

func TestVerifyChainDetectsTamperedContent(t *testing.T) {
	f := newLedgerFixture()
	for i := 0; i < 4; i++ {
		f.append(t, TypePaymentSettled, fmt.Sprintf("mandate_%d", i), 10_00)
	}
	entries, err := f.store.ListAll(context.Background())
	require.NoError(t, err)

	// Rebuild the store with one entry's amount silently altered.
	entries[2].AmountMinor = 999_99
	forged := NewMemoryStore()
	for _, e := range entries {
		require.NoError(t, forged.Append(context.Background(), e))
	}

	report, err := NewLedger(forged, nil).VerifyChain(context.Background())
	require.NoError(t, err)
	require.False(t, report.Valid)
	require.Equal(t, entries[2].EntryID, report.BrokenAt)
	require.Contains(t, report.Reason, "entry_hash")
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	f := newLedgerFixture()
	for i := 0; i < 3; i++ {
		f.append(t, TypeEscrowRefunded, fmt.Sprintf("esc_%d", i), 5_00)
	}
	entries, err := f.store.ListAll(context.Background())
	require.NoError(t, err)

	// Re-point one link and recompute its hash so only the link check
	// can catch it.
	entries[1].PrevHash = strings.Repeat("0", 64)
	rehashed, err := entries[1].ComputeHash()
	require.NoError(t, err)
	entries[1].EntryHash = rehashed

	forged := NewMemoryStore()
	for _, e := range entries {
		require.NoError(t, forged.Append(context.Background(), e))
	}

	report, err := NewLedger(forged, nil).VerifyChain(context.Background())
	require.NoError(t, err)
	require.False(t, report.Valid)
	require.Equal(t, entries[1].EntryID, report.BrokenAt)
	require.Contains(t, report.Reason, "prev_hash")
}

func TestConcurrentAppendsKeepTotalOrder(t *testing.T) {
	f := newLedgerFixture()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.ledger.Append(context.Background(), Params{
				Type:    TypePaymentVerified,
				Actor:   "agent_ops",
				Subject: fmt.Sprintf("mandate_%d", n),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := f.store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 25)
	for i := 1; i < len(entries); i++ {
		require.Less(t, entries[i-1].EntryID, entries[i].EntryID)
		require.Equal(t, entries[i-1].EntryHash, entries[i].PrevHash)
	}

	report, err := f.ledger.VerifyChain(context.Background())
	require.NoError(t, err)
	require.True(t, report.Valid)
}

func TestLedgerResumesFromExistingStore(t *testing.T) {
	f := newLedgerFixture()
	f.append(t, TypePaymentVerified, "mandate_1", 100)
	tail := f.append(t, TypePaymentSettled, "mandate_1", 100)

	resumed := NewLedger(f.store, nil).WithClock(func() time.Time { return f.current.Add(time.Minute) })
	next, err := resumed.Append(context.Background(), Params{
		Type: TypeMandateArchived, Actor: "agent_ops", Subject: "mandate_1",
	})
	require.NoError(t, err)
	require.Equal(t, tail.EntryHash, next.PrevHash)

	report, err := resumed.VerifyChain(context.Background())
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 3, report.Entries)
}

func TestHeadAndGetReturnCopies(t *testing.T) {
	f := newLedgerFixture()
	e, err := f.ledger.Append(context.Background(), Params{
		Type: TypePolicyDecision, Actor: "agent_ops", Subject: "mandate_1",
		Metadata: map[string]string{"decision": "allow"},
	})
	require.NoError(t, err)

	head, err := f.ledger.Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, e.EntryID, head.EntryID)

	head.Metadata["decision"] = "deny"
	again, err := f.ledger.Get(context.Background(), e.EntryID)
	require.NoError(t, err)
	require.Equal(t, "allow", again.Metadata["decision"])

	_, err = f.ledger.Get(context.Background(), "ent_missing")
	require.Equal(t, "audit_entry_not_found", errs.CodeOf(err))
}

func TestMemoryStoreListWindows(t *testing.T) {
	f := newLedgerFixture()
	var made []*Entry
	for i := 0; i < 5; i++ {
		made = append(made, f.append(t, TypePaymentVerified, fmt.Sprintf("mandate_%d", i), 0))
	}
	ctx := context.Background()

	all, err := f.store.ListAfter(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)

	window, err := f.store.ListAfter(ctx, made[1].EntryID, 2)
	require.NoError(t, err)
	require.Len(t, window, 2)
	require.Equal(t, made[2].EntryID, window[0].EntryID)
	require.Equal(t, made[3].EntryID, window[1].EntryID)

	ranged, err := f.store.ListRange(ctx, made[1].EntryID, made[3].EntryID)
	require.NoError(t, err)
	require.Len(t, ranged, 3)
	require.Equal(t, made[1].EntryID, ranged[0].EntryID)
	require.Equal(t, made[3].EntryID, ranged[2].EntryID)
}

func TestDuplicateAppendRejected(t *testing.T) {
	f := newLedgerFixture()
	e := f.append(t, TypePaymentVerified, "mandate_1", 100)

	err := f.store.Append(context.Background(), e)
	require.Equal(t, CodeEntryExists, errs.CodeOf(err))
}

func openSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLStore(db)
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestSQLStoreRoundTripsHashes(t *testing.T) {
	store := openSQLiteStore(t)
	current := time.Date(2025, 6, 16, 11, 0, 0, 123456789, time.UTC)
	ledger := NewLedger(store, nil).WithClock(func() time.Time { return current })
	ctx := context.Background()

	var made []*Entry
	for i := 0; i < 4; i++ {
		e, err := ledger.Append(ctx, Params{
			Type:        TypePaymentSettled,
			Actor:       "agent_ops",
			Subject:     fmt.Sprintf("mandate_%d", i),
			AmountMinor: int64(i+1) * 250,
			Metadata:    map[string]string{"rail": "ach"},
		})
		require.NoError(t, err)
		made = append(made, e)
		current = current.Add(3 * time.Second)
	}

	// The stored document must rehydrate to the exact same digest,
	// nanosecond timestamps included.
	for _, want := range made {
		got, err := store.Get(ctx, want.EntryID)
		require.NoError(t, err)
		require.Equal(t, want.EntryHash, got.EntryHash)
		rehashed, err := got.ComputeHash()
		require.NoError(t, err)
		require.Equal(t, want.EntryHash, rehashed)
	}

	report, err := ledger.VerifyChain(ctx)
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 4, report.Entries)
}

func TestSQLStoreWindowsAndHead(t *testing.T) {
	store := openSQLiteStore(t)
	current := time.Date(2025, 6, 16, 11, 0, 0, 0, time.UTC)
	ledger := NewLedger(store, nil).WithClock(func() time.Time { return current })
	ctx := context.Background()

	head, err := store.Last(ctx)
	require.NoError(t, err)
	require.Nil(t, head)

	var made []*Entry
	for i := 0; i < 5; i++ {
		e, err := ledger.Append(ctx, Params{
			Type: TypeBudgetAllocated, Actor: "agent_ops", Subject: fmt.Sprintf("cycle_%d", i),
		})
		require.NoError(t, err)
		made = append(made, e)
	}

	head, err = store.Last(ctx)
	require.NoError(t, err)
	require.Equal(t, made[4].EntryID, head.EntryID)

	window, err := store.ListAfter(ctx, made[0].EntryID, 3)
	require.NoError(t, err)
	require.Len(t, window, 3)
	require.Equal(t, made[1].EntryID, window[0].EntryID)

	ranged, err := store.ListRange(ctx, made[1].EntryID, made[2].EntryID)
	require.NoError(t, err)
	require.Len(t, ranged, 2)

	_, err = store.Get(ctx, "ent_missing")
	require.Equal(t, "audit_entry_not_found", errs.CodeOf(err))

	// Primary key holds the append-only line.
	err = store.Append(ctx, made[0])
	require.Error(t, err)
}
