// Package replay provides single-use guarantees for mandate IDs, TAP nonces
// and webhook events. The core primitive is an atomic check-and-store: the
// first caller for a key wins, every later caller is told the key was seen,
// regardless of interleaving.
package replay

import (
	"context"
	"sync"
	"time"
)

// Store is the replay cache. Keys carry their own expiry; an expired entry
// no longer blocks reuse of the key.
type Store interface {
	// CheckAndStore records key atomically. It returns true when the key was
	// newly stored and false when an unexpired entry already exists.
	CheckAndStore(ctx context.Context, key string, expiresAt time.Time) (bool, error)
	// Seen reports whether key has an unexpired entry.
	Seen(ctx context.Context, key string) (bool, error)
	// Delete removes key so a failed enclosing transaction can roll the
	// insert back.
	Delete(ctx context.Context, key string) error
}

// MemoryStore is the in-process Store. The clock is injectable so expiry
// behaviour is testable without sleeping.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore returns an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time), now: time.Now}
}

// WithClock replaces the store's time source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// CheckAndStore implements Store.
func (s *MemoryStore) CheckAndStore(_ context.Context, key string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.entries[key]; ok && exp.After(s.now()) {
		return false, nil
	}
	s.entries[key] = expiresAt
	return true, nil
}

// Seen implements Store.
func (s *MemoryStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[key]
	return ok && exp.After(s.now()), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// PruneExpired drops expired entries and returns how many were removed.
// The background sweeper calls this periodically.
func (s *MemoryStore) PruneExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, exp := range s.entries {
		if !exp.After(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of entries including expired ones not yet pruned.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
