package anchor

import (
	"context"
	"sync"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// Store persists anchor records. The access pattern is insert plus a
// single conditional update out of pending.
type Store interface {
	// Insert adds a new pending record.
	Insert(ctx context.Context, r *Record) error
	// Update finalizes a record. It only applies while the stored
	// record is still pending.
	Update(ctx context.Context, r *Record) error
	// Get returns one record by id.
	Get(ctx context.Context, anchorID string) (*Record, error)
	// LastAnchored returns the anchored record covering the newest
	// entries, or nil when nothing has anchored yet.
	LastAnchored(ctx context.Context) (*Record, error)
	// FindCovering returns the anchored record whose range includes
	// the entry id.
	FindCovering(ctx context.Context, entryID string) (*Record, error)
	// List returns all records ordered by anchor creation.
	List(ctx context.Context) ([]*Record, error)
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu      sync.RWMutex
	order   []string
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Insert(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.AnchorID]; ok {
		return errs.Newf(errs.KindState, "anchor_exists", "anchor %s already recorded", r.AnchorID)
	}
	s.records[r.AnchorID] = r.clone()
	s.order = append(s.order, r.AnchorID)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[r.AnchorID]
	if !ok {
		return errs.NotFound("anchor", r.AnchorID)
	}
	if cur.Status != StatusPending {
		return errs.Newf(errs.KindState, CodeNotPending, "anchor %s is %s, not pending", r.AnchorID, cur.Status)
	}
	s.records[r.AnchorID] = r.clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, anchorID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[anchorID]
	if !ok {
		return nil, errs.NotFound("anchor", anchorID)
	}
	return r.clone(), nil
}

func (s *MemoryStore) LastAnchored(ctx context.Context) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Record
	for _, r := range s.records {
		if r.Status != StatusAnchored {
			continue
		}
		if best == nil || r.LastEntryID > best.LastEntryID {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.clone(), nil
}

func (s *MemoryStore) FindCovering(ctx context.Context, entryID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if r.Status == StatusAnchored && r.Covers(entryID) {
			return r.clone(), nil
		}
	}
	return nil, errs.Newf(errs.KindNotFound, CodeNotCovered, "entry %s is not covered by any anchor", entryID)
}

func (s *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].clone())
	}
	return out, nil
}
