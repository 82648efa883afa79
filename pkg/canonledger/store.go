package canonledger

import (
	"context"
	"sort"
	"sync"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// Mutation is the atomic unit of ledger state: everything one event
// produced. Nil or empty fields are skipped.
type Mutation struct {
	Journey *CanonicalJourney
	Event   *CanonicalEvent
	Breaks  []*ReconciliationBreak
	Reviews []*ManualReviewItem
}

// Store persists the canonical ledger. Commit must apply the whole
// mutation atomically; implementations must return copies.
type Store interface {
	GetJourney(ctx context.Context, journeyID string) (*CanonicalJourney, error)
	SeenEvent(ctx context.Context, provider, providerEventID string) (bool, error)
	HasOpenBreak(ctx context.Context, journeyID, breakType string) (bool, error)
	HasOpenReview(ctx context.Context, journeyID, reason string) (bool, error)
	Commit(ctx context.Context, mut *Mutation) error

	GetBreak(ctx context.Context, breakID string) (*ReconciliationBreak, error)
	PutBreak(ctx context.Context, b *ReconciliationBreak) error
	GetReview(ctx context.Context, reviewID string) (*ManualReviewItem, error)
	PutReview(ctx context.Context, r *ManualReviewItem) error

	ListOpenBreaks(ctx context.Context, journeyID string) ([]*ReconciliationBreak, error)
	ListOpenReviews(ctx context.Context, journeyID string) ([]*ManualReviewItem, error)
	ListEvents(ctx context.Context, journeyID string) ([]*CanonicalEvent, error)
}

// MemoryStore keeps the ledger in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	journeys map[string]*CanonicalJourney
	events   []*CanonicalEvent
	seen     map[string]bool
	breaks   map[string]*ReconciliationBreak
	reviews  map[string]*ManualReviewItem
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		journeys: make(map[string]*CanonicalJourney),
		seen:     make(map[string]bool),
		breaks:   make(map[string]*ReconciliationBreak),
		reviews:  make(map[string]*ManualReviewItem),
	}
}

func seenKey(provider, providerEventID string) string {
	return provider + "\x00" + providerEventID
}

// GetJourney implements Store.
func (st *MemoryStore) GetJourney(ctx context.Context, journeyID string) (*CanonicalJourney, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	j, ok := st.journeys[journeyID]
	if !ok {
		return nil, errs.NotFound("journey", journeyID)
	}
	return j.clone(), nil
}

// SeenEvent implements Store.
func (st *MemoryStore) SeenEvent(ctx context.Context, provider, providerEventID string) (bool, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.seen[seenKey(provider, providerEventID)], nil
}

// HasOpenBreak implements Store.
func (st *MemoryStore) HasOpenBreak(ctx context.Context, journeyID, breakType string) (bool, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, b := range st.breaks {
		if b.JourneyID == journeyID && b.BreakType == breakType && b.Status == BreakOpen {
			return true, nil
		}
	}
	return false, nil
}

// HasOpenReview implements Store.
func (st *MemoryStore) HasOpenReview(ctx context.Context, journeyID, reason string) (bool, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, r := range st.reviews {
		if r.JourneyID == journeyID && r.ReasonCode == reason && r.open() {
			return true, nil
		}
	}
	return false, nil
}

// Commit implements Store. Everything lands under one lock section.
func (st *MemoryStore) Commit(ctx context.Context, mut *Mutation) error {
	if mut == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if mut.Journey != nil {
		if mut.Journey.JourneyID == "" {
			return errs.Validation("missing_journey_id", "journey requires an id")
		}
		st.journeys[mut.Journey.JourneyID] = mut.Journey.clone()
	}
	if mut.Event != nil {
		c := *mut.Event
		st.events = append(st.events, &c)
		if c.ProviderEventID != "" {
			st.seen[seenKey(c.Provider, c.ProviderEventID)] = true
		}
	}
	for _, b := range mut.Breaks {
		st.breaks[b.BreakID] = b.clone()
	}
	for _, r := range mut.Reviews {
		st.reviews[r.ReviewID] = r.clone()
	}
	return nil
}

// GetBreak implements Store.
func (st *MemoryStore) GetBreak(ctx context.Context, breakID string) (*ReconciliationBreak, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	b, ok := st.breaks[breakID]
	if !ok {
		return nil, errs.NotFound("break", breakID)
	}
	return b.clone(), nil
}

// PutBreak implements Store.
func (st *MemoryStore) PutBreak(ctx context.Context, b *ReconciliationBreak) error {
	if b == nil || b.BreakID == "" {
		return errs.Validation("missing_break_id", "break requires an id")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.breaks[b.BreakID] = b.clone()
	return nil
}

// GetReview implements Store.
func (st *MemoryStore) GetReview(ctx context.Context, reviewID string) (*ManualReviewItem, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	r, ok := st.reviews[reviewID]
	if !ok {
		return nil, errs.NotFound("review", reviewID)
	}
	return r.clone(), nil
}

// PutReview implements Store.
func (st *MemoryStore) PutReview(ctx context.Context, r *ManualReviewItem) error {
	if r == nil || r.ReviewID == "" {
		return errs.Validation("missing_review_id", "review requires an id")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.reviews[r.ReviewID] = r.clone()
	return nil
}

// ListOpenBreaks implements Store.
func (st *MemoryStore) ListOpenBreaks(ctx context.Context, journeyID string) ([]*ReconciliationBreak, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []*ReconciliationBreak
	for _, b := range st.breaks {
		if b.JourneyID == journeyID && b.Status == BreakOpen {
			out = append(out, b.clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].BreakID < out[k].BreakID })
	return out, nil
}

// ListOpenReviews implements Store.
func (st *MemoryStore) ListOpenReviews(ctx context.Context, journeyID string) ([]*ManualReviewItem, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []*ManualReviewItem
	for _, r := range st.reviews {
		if r.JourneyID == journeyID && r.open() {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ReviewID < out[k].ReviewID })
	return out, nil
}

// ListEvents implements Store. Events come back in arrival order.
func (st *MemoryStore) ListEvents(ctx context.Context, journeyID string) ([]*CanonicalEvent, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []*CanonicalEvent
	for _, e := range st.events {
		if e.JourneyID == journeyID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}
