package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// State is the breaker's position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Breaker defaults.
const (
	DefaultTripThreshold = 5
	DefaultCooldown      = 120 * time.Second
)

// Breaker is a three-state circuit breaker. A run of consecutive
// failures opens it, calls are rejected for the cooldown, then a single
// half-open probe is admitted; the probe's outcome decides between
// closing and reopening.
type Breaker struct {
	mu        sync.Mutex
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker builds a breaker for the named collaborator. Zero threshold
// or cooldown take the defaults.
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultTripThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock pins the breaker's clock.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow admits a call or rejects it with a service error while the
// circuit is open. The first call after the cooldown becomes the
// half-open probe; further calls are rejected until the probe reports.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.probing = true
			return nil
		}
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return nil
		}
	default:
		return nil
	}
	return errs.Newf(errs.KindService, errs.CodeServiceUnavailable,
		"circuit for %s is open", b.name)
}

// Success reports a completed call. Any answer from the collaborator
// resets the consecutive-failure run; a successful probe closes the
// circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
	}
	b.probing = false
}

// Failure reports a failed call. A failed probe reopens the circuit
// immediately; otherwise the circuit opens once the consecutive run
// reaches the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.now()
		b.failures = 0
	}
	b.probing = false
}

// State returns the current position without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do wraps one call with the breaker. Service-kind failures count
// against the trip threshold; any other outcome means the collaborator
// answered and resets the run.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && Retryable(err) {
		b.Failure()
	} else {
		b.Success()
	}
	return err
}
