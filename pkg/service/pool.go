package service

import (
	"context"
	"runtime"
)

// Pool bounds concurrent CPU-heavy work such as signature verification
// and Merkle tree construction so request fan-in cannot saturate the
// process. Slots are a counting semaphore; Do blocks for a slot unless
// the caller's context ends first.
type Pool struct {
	sem chan struct{}
}

// NewPool builds a pool with the given slot count. A non-positive size
// falls back to the number of usable CPUs.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Do runs fn once a slot is free and releases the slot when fn returns.
// When ctx ends before a slot opens, fn never runs and the context error
// is returned.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()
	return fn()
}

// Size reports the slot count.
func (p *Pool) Size() int { return cap(p.sem) }

// InFlight reports how many slots are currently held.
func (p *Pool) InFlight() int { return len(p.sem) }
