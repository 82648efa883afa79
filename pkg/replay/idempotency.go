package replay

import (
	"context"
	"sync"
	"time"
)

// DefaultIdempotencyTTL is how long a recorded outcome is replayed for its
// idempotency key.
const DefaultIdempotencyTTL = 7 * 24 * time.Hour

type idemEntry struct {
	done     chan struct{} // closed once the first caller settled or released
	payload  []byte
	settled  bool
	storedAt time.Time
}

// Idempotency caches the first successful outcome recorded for an
// idempotency key and replays it verbatim within the TTL window. Concurrent
// callers sharing a key wait for the first caller instead of running the
// operation twice. Failed runs are not cached, so the key stays usable.
type Idempotency struct {
	mu      sync.Mutex
	entries map[string]*idemEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewIdempotency returns an empty cache. A non-positive ttl falls back to
// DefaultIdempotencyTTL.
func NewIdempotency(ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Idempotency{
		entries: make(map[string]*idemEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the cache's time source.
func (i *Idempotency) WithClock(now func() time.Time) *Idempotency {
	i.now = now
	return i
}

// Do runs fn at most once per key within the TTL window. The first caller
// executes fn and its payload is replayed to every later caller; replayed
// reports whether the result came from cache. A caller that arrives while
// fn is still running blocks until the outcome settles or its context ends.
func (i *Idempotency) Do(ctx context.Context, key string, fn func(context.Context) ([]byte, error)) (payload []byte, replayed bool, err error) {
	for {
		i.mu.Lock()
		e, ok := i.entries[key]
		if ok && e.settled {
			if i.now().Sub(e.storedAt) < i.ttl {
				out := append([]byte(nil), e.payload...)
				i.mu.Unlock()
				return out, true, nil
			}
			// Stale outcome. The key is free again.
			delete(i.entries, key)
			ok = false
		}
		if ok {
			done := e.done
			i.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}

		e = &idemEntry{done: make(chan struct{})}
		i.entries[key] = e
		i.mu.Unlock()

		out, runErr := fn(ctx)

		i.mu.Lock()
		if runErr != nil {
			delete(i.entries, key)
		} else {
			e.payload = append([]byte(nil), out...)
			e.storedAt = i.now()
			e.settled = true
		}
		close(e.done)
		i.mu.Unlock()

		if runErr != nil {
			return nil, false, runErr
		}
		return append([]byte(nil), out...), false, nil
	}
}

// Lookup returns the cached payload for key without running anything.
func (i *Idempotency) Lookup(key string) ([]byte, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.entries[key]
	if !ok || !e.settled || i.now().Sub(e.storedAt) >= i.ttl {
		return nil, false
	}
	return append([]byte(nil), e.payload...), true
}

// Len reports the number of entries, in-flight ones included.
func (i *Idempotency) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entries)
}

// PruneExpired drops settled outcomes older than the TTL and returns how
// many were removed. In-flight entries are left alone.
func (i *Idempotency) PruneExpired() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()
	removed := 0
	for k, e := range i.entries {
		if e.settled && now.Sub(e.storedAt) >= i.ttl {
			delete(i.entries, k)
			removed++
		}
	}
	return removed
}
