package budget

import (
	"context"
	"sort"
	"sync"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// MemoryStore keeps cycles in process memory. Values are cloned on the
// way in and out so callers never share slices with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	cycles map[string]*Cycle
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cycles: make(map[string]*Cycle)}
}

func (s *MemoryStore) CreateCycle(ctx context.Context, c *Cycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cycles[c.ID]; exists {
		return errs.Newf(errs.KindState, errs.CodeInvalidOperation, "cycle %s already exists", c.ID)
	}
	if c.Status == CycleActive {
		for _, cur := range s.cycles {
			if cur.OrgID == c.OrgID && cur.Status == CycleActive {
				return errs.Newf(errs.KindState, CodeCycleActive,
					"organization %s already has active cycle %s", c.OrgID, cur.ID)
			}
		}
	}
	s.cycles[c.ID] = c.clone()
	return nil
}

func (s *MemoryStore) GetCycle(ctx context.Context, id string) (*Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cycles[id]
	if !ok {
		return nil, errs.NotFound("budget_cycle", id)
	}
	return c.clone(), nil
}

func (s *MemoryStore) ActiveCycle(ctx context.Context, orgID string) (*Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cycles {
		if c.OrgID == orgID && c.Status == CycleActive {
			return c.clone(), nil
		}
	}
	return nil, errs.NotFound("active_budget_cycle", orgID)
}

func (s *MemoryStore) UpdateCycle(ctx context.Context, c *Cycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cycles[c.ID]; !ok {
		return errs.NotFound("budget_cycle", c.ID)
	}
	s.cycles[c.ID] = c.clone()
	return nil
}

func (s *MemoryStore) ListCycles(ctx context.Context, orgID string) ([]*Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Cycle
	for _, c := range s.cycles {
		if c.OrgID == orgID {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.After(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
