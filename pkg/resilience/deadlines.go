package resilience

import (
	"context"
	"log/slog"
	"time"
)

// Operation deadlines. Every external call carries one.
const (
	// ChainDeadline bounds a chain submission.
	ChainDeadline = 60 * time.Second
	// ProviderDeadline bounds one provider HTTP call.
	ProviderDeadline = 30 * time.Second
	// PluginDeadline is the hard wall-clock budget for one plugin run.
	PluginDeadline = 5 * time.Second
	// DBDeadline bounds one database operation.
	DBDeadline = 10 * time.Second
)

// WithDeadline bounds ctx by d. When the parent already expires sooner
// its deadline stands, so a child operation inherits the budget and can
// only tighten it.
func WithDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// Guard bundles a retrier and a breaker for one collaborator. Each
// attempt passes through the breaker, so an open circuit fails attempts
// fast instead of hammering a struggling dependency.
type Guard struct {
	retrier *Retrier
	breaker *Breaker
}

// NewGuard builds a guard with the default retry policy and breaker
// settings for the named collaborator.
func NewGuard(name string, log *slog.Logger) *Guard {
	return &Guard{
		retrier: NewRetrier(DefaultRetryPolicy, log),
		breaker: NewBreaker(name, DefaultTripThreshold, DefaultCooldown),
	}
}

// Retrier exposes the guard's retrier, mainly so tests can swap the
// sleeper.
func (g *Guard) Retrier() *Retrier { return g.retrier }

// Breaker exposes the guard's breaker, mainly so tests can pin its
// clock or inspect its state.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Do runs fn with per-attempt breaker accounting inside the retry loop.
func (g *Guard) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	return g.retrier.Do(ctx, op, func(ctx context.Context) error {
		return g.breaker.Do(ctx, fn)
	})
}
