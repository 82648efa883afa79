package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// Store persists checkout sessions. Implementations must return copies
// the caller can mutate freely.
type Store interface {
	Get(ctx context.Context, sessionID string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	// ListExpiredOpen returns the IDs of OPEN sessions whose deadline
	// has passed as of now.
	ListExpiredOpen(ctx context.Context, now time.Time) ([]string, error)
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Get implements Store.
func (st *MemoryStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return nil, errs.NotFound("checkout_session", sessionID)
	}
	return s.clone(), nil
}

// Put implements Store.
func (st *MemoryStore) Put(ctx context.Context, s *Session) error {
	if s == nil || s.SessionID == "" {
		return errs.Validation("missing_session_id", "session requires an id")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.SessionID] = s.clone()
	return nil
}

// ListExpiredOpen implements Store.
func (st *MemoryStore) ListExpiredOpen(ctx context.Context, now time.Time) ([]string, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var ids []string
	for id, s := range st.sessions {
		if s.Status == StatusOpen && !s.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Len reports the number of stored sessions.
func (st *MemoryStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
