// Package resilience wraps calls to external collaborators with bounded
// retries, a circuit breaker and the platform's operation deadlines.
// Only service-kind failures are retried or counted against a breaker;
// a validation or policy denial will not change on a second attempt.
package resilience

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// RetryPolicy bounds one retried operation.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, the first included.
	MaxAttempts int
	// Initial is the backoff base before the second attempt.
	Initial time.Duration
	// Cap is the backoff ceiling.
	Cap time.Duration
}

// DefaultRetryPolicy retries service failures up to three attempts with
// full-jitter exponential backoff from one second, capped at thirty.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Initial: time.Second, Cap: 30 * time.Second}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = DefaultRetryPolicy.Initial
	}
	if p.Cap <= 0 {
		p.Cap = DefaultRetryPolicy.Cap
	}
	return p
}

// Retryable reports whether a failure is worth another attempt.
func Retryable(err error) bool {
	return errs.KindOf(err) == errs.KindService
}

// Retrier re-runs an operation per policy.
type Retrier struct {
	policy    RetryPolicy
	retryable func(error) bool
	sleep     func(context.Context, time.Duration) error
	log       *slog.Logger
}

// NewRetrier builds a retrier. Zero policy fields take the defaults;
// a nil logger falls back to slog.Default.
func NewRetrier(policy RetryPolicy, log *slog.Logger) *Retrier {
	if log == nil {
		log = slog.Default()
	}
	return &Retrier{
		policy:    policy.withDefaults(),
		retryable: Retryable,
		sleep:     sleepCtx,
		log:       log,
	}
}

// WithRetryable replaces the retry predicate.
func (r *Retrier) WithRetryable(fn func(error) bool) *Retrier {
	r.retryable = fn
	return r
}

// WithSleeper replaces the waiting function so tests can record delays
// instead of sleeping through them.
func (r *Retrier) WithSleeper(fn func(context.Context, time.Duration) error) *Retrier {
	r.sleep = fn
	return r
}

// Do runs fn until it succeeds, fails non-retryably, exhausts the
// attempt budget, or the context ends during a backoff. The wait before
// retry n is drawn uniformly from [0, min(cap, initial·2^(n−1))).
func (r *Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			d := r.delay(attempt - 1)
			r.log.WarnContext(ctx, "retrying operation",
				"op", op,
				"attempt", attempt,
				"backoff", d,
				"error", lastErr)
			if err := r.sleep(ctx, d); err != nil {
				return err
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// delay computes the full-jitter backoff for the given 1-based retry.
func (r *Retrier) delay(retry int) time.Duration {
	d := r.policy.Initial
	for i := 1; i < retry && d < r.policy.Cap; i++ {
		d *= 2
	}
	if d > r.policy.Cap {
		d = r.policy.Cap
	}
	if d <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(d)))
	if err != nil {
		return d
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
