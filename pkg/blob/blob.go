// Package blob provides content-addressed storage for evidence
// bundles and other immutable documents. A blob is keyed by the
// SHA-256 digest of its content ("sha256:<hex>"), so writes are
// idempotent and a reference doubles as an integrity check on read.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// Store is the contract for content-addressed blob storage.
type Store interface {
	// Put persists data and returns its reference ("sha256:<hex>").
	// Storing the same bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by reference.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists reports whether a blob is present.
	Exists(ctx context.Context, ref string) (bool, error)
	// Delete removes a blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, ref string) error
}

const refPrefix = "sha256:"

// Ref computes the storage reference for a payload without storing it.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// parseRef validates a reference and returns the bare hex digest.
func parseRef(ref string) (string, error) {
	if !strings.HasPrefix(ref, refPrefix) {
		return "", fmt.Errorf("blob: invalid ref format: %s", ref)
	}
	raw := strings.TrimPrefix(ref, refPrefix)
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("blob: ref %q is not hex: %w", ref, err)
	}
	return raw, nil
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := Ref(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[ref]; !ok {
		c := make([]byte, len(data))
		copy(c, data)
		s.blobs[ref] = c
	}
	return ref, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if _, err := parseRef(ref); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob: not found: %s", ref)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) Exists(ctx context.Context, ref string) (bool, error) {
	if _, err := parseRef(ref); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[ref]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref string) error {
	if _, err := parseRef(ref); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, ref)
	return nil
}

// Len reports the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
