package marketplace

import (
	"context"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// Store persists requests and escrows. Implementations must return copies
// the caller can mutate freely, and PutBoth must be atomic: either both
// records land or neither does.
type Store interface {
	GetRequest(ctx context.Context, requestID string) (*ServiceRequest, error)
	PutRequest(ctx context.Context, r *ServiceRequest) error
	GetEscrow(ctx context.Context, escrowID string) (*Escrow, error)
	PutEscrow(ctx context.Context, esc *Escrow) error
	PutBoth(ctx context.Context, r *ServiceRequest, esc *Escrow) error
	// ListExpiredEscrows returns the IDs of CREATED or FUNDED escrows
	// whose deadline has passed as of now.
	ListExpiredEscrows(ctx context.Context, now time.Time) ([]string, error)
}

// MemoryStore keeps requests and escrows in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*ServiceRequest
	escrows  map[string]*Escrow
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*ServiceRequest),
		escrows:  make(map[string]*Escrow),
	}
}

// GetRequest implements Store.
func (st *MemoryStore) GetRequest(ctx context.Context, requestID string) (*ServiceRequest, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	r, ok := st.requests[requestID]
	if !ok {
		return nil, errs.NotFound("service_request", requestID)
	}
	return r.clone(), nil
}

// PutRequest implements Store.
func (st *MemoryStore) PutRequest(ctx context.Context, r *ServiceRequest) error {
	if r == nil || r.RequestID == "" {
		return errs.Validation("missing_request_id", "request requires an id")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.requests[r.RequestID] = r.clone()
	return nil
}

// GetEscrow implements Store.
func (st *MemoryStore) GetEscrow(ctx context.Context, escrowID string) (*Escrow, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	esc, ok := st.escrows[escrowID]
	if !ok {
		return nil, errs.NotFound("escrow", escrowID)
	}
	return esc.clone(), nil
}

// PutEscrow implements Store.
func (st *MemoryStore) PutEscrow(ctx context.Context, esc *Escrow) error {
	if esc == nil || esc.EscrowID == "" {
		return errs.Validation("missing_escrow_id", "escrow requires an id")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.escrows[esc.EscrowID] = esc.clone()
	return nil
}

// PutBoth implements Store. Both writes happen under one lock section.
func (st *MemoryStore) PutBoth(ctx context.Context, r *ServiceRequest, esc *Escrow) error {
	if r == nil || r.RequestID == "" {
		return errs.Validation("missing_request_id", "request requires an id")
	}
	if esc == nil || esc.EscrowID == "" {
		return errs.Validation("missing_escrow_id", "escrow requires an id")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.requests[r.RequestID] = r.clone()
	st.escrows[esc.EscrowID] = esc.clone()
	return nil
}

// ListExpiredEscrows implements Store.
func (st *MemoryStore) ListExpiredEscrows(ctx context.Context, now time.Time) ([]string, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []string
	for id, esc := range st.escrows {
		if (esc.Status == EscrowCreated || esc.Status == EscrowFunded) && !esc.ExpiresAt.After(now) {
			out = append(out, id)
		}
	}
	return out, nil
}
