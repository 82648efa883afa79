package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// Store persists chain entries. Implementations only insert; entries
// are never updated or deleted. All listings are in entry id order,
// which is insertion order because ids are prefixed ULIDs.
type Store interface {
	// Append inserts a new entry. Duplicate ids are rejected.
	Append(ctx context.Context, e *Entry) error
	// Get returns one entry by id.
	Get(ctx context.Context, entryID string) (*Entry, error)
	// Last returns the newest entry, or nil when the ledger is empty.
	Last(ctx context.Context) (*Entry, error)
	// ListAll returns every entry in id order.
	ListAll(ctx context.Context) ([]*Entry, error)
	// ListAfter returns up to limit entries with ids strictly greater
	// than afterID. An empty afterID starts from the beginning.
	ListAfter(ctx context.Context, afterID string, limit int) ([]*Entry, error)
	// ListRange returns entries with firstID <= id <= lastID in order.
	ListRange(ctx context.Context, firstID, lastID string) ([]*Entry, error)
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu      sync.RWMutex
	order   []*Entry
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Append(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.EntryID]; ok {
		return errs.Newf(errs.KindState, CodeEntryExists, "entry %s already recorded", e.EntryID)
	}
	c := e.clone()
	s.entries[c.EntryID] = c
	s.order = append(s.order, c)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, entryID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, errs.NotFound("audit_entry", entryID)
	}
	return e.clone(), nil
}

func (s *MemoryStore) Last(ctx context.Context) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.order) == 0 {
		return nil, nil
	}
	return s.order[len(s.order)-1].clone(), nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, len(s.order))
	for i, e := range s.order {
		out[i] = e.clone()
	}
	return out, nil
}

func (s *MemoryStore) ListAfter(ctx context.Context, afterID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.order), func(i int) bool {
		return s.order[i].EntryID > afterID
	})
	out := make([]*Entry, 0, limit)
	for i := start; i < len(s.order); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.order[i].clone())
	}
	return out, nil
}

func (s *MemoryStore) ListRange(ctx context.Context, firstID, lastID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, 16)
	for _, e := range s.order {
		if e.EntryID >= firstID && e.EntryID <= lastID {
			out = append(out, e.clone())
		}
	}
	return out, nil
}

// Len reports the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
