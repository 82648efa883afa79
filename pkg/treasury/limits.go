package treasury

import (
	"context"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/velocity"
)

// Limits configures per-organization origination caps. Zero disables a
// cap. Velocity (payments per minute/hour/day) rides on the shared
// sliding-window governor.
type Limits struct {
	DailyMinor      int64
	PerPaymentMinor int64
}

type daySpend struct {
	day        string
	spentMinor int64
}

// Limiter enforces the per-payment cap, the rolling UTC-day spend cap and
// the payment-count velocity windows. Check runs before any provider
// call; a Check that passes reserves the daily amount, and Release gives
// it back when the provider call fails.
type Limiter struct {
	mu       sync.Mutex
	limits   Limits
	governor velocity.Governor
	days     map[string]*daySpend
	now      func() time.Time
}

// NewLimiter wires a limiter. governor may be nil to disable velocity.
func NewLimiter(limits Limits, governor velocity.Governor) *Limiter {
	return &Limiter{
		limits:   limits,
		governor: governor,
		days:     make(map[string]*daySpend),
		now:      time.Now,
	}
}

// WithClock replaces the limiter's time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) window(orgID string) *daySpend {
	day := l.now().UTC().Format("2006-01-02")
	w := l.days[orgID]
	if w == nil || w.day != day {
		w = &daySpend{day: day}
		l.days[orgID] = w
	}
	return w
}

// Check admits one origination for orgID, reserving amountMinor against
// the daily cap. The governor is consulted after the reservation so a
// velocity reject leaves no spend behind.
func (l *Limiter) Check(ctx context.Context, orgID string, amountMinor int64) error {
	if amountMinor <= 0 {
		return errs.Validation("invalid_amount", "amount must be positive")
	}
	if l.limits.PerPaymentMinor > 0 && amountMinor > l.limits.PerPaymentMinor {
		return errs.Newf(errs.KindPolicy, CodePaymentLimit,
			"amount %d exceeds the per-payment limit of %d", amountMinor, l.limits.PerPaymentMinor)
	}

	l.mu.Lock()
	w := l.window(orgID)
	if l.limits.DailyMinor > 0 && w.spentMinor+amountMinor > l.limits.DailyMinor {
		l.mu.Unlock()
		return errs.Newf(errs.KindPolicy, CodeDailyLimit,
			"daily origination limit of %d reached", l.limits.DailyMinor)
	}
	w.spentMinor += amountMinor
	l.mu.Unlock()

	if l.governor != nil {
		if err := l.governor.Allow(ctx, "treasury:"+orgID); err != nil {
			l.Release(orgID, amountMinor)
			if errs.KindOf(err) == errs.KindRateLimit {
				return errs.Wrap(err, errs.KindPolicy, CodeVelocityLimit, "treasury velocity limit reached")
			}
			return err
		}
	}
	return nil
}

// Release returns a reserved amount after a failed provider call. Only
// the current day's window is touched; a reservation that straddled
// midnight has already rolled off.
func (l *Limiter) Release(orgID string, amountMinor int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.days[orgID]
	if w == nil || w.day != l.now().UTC().Format("2006-01-02") {
		return
	}
	w.spentMinor -= amountMinor
	if w.spentMinor < 0 {
		w.spentMinor = 0
	}
}

// SpentToday reports the reserved spend for orgID in the current UTC day.
func (l *Limiter) SpentToday(orgID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.window(orgID).spentMinor
}

// PruneIdle drops windows from previous days and returns how many were
// removed. The background sweeper calls this periodically.
func (l *Limiter) PruneIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	day := l.now().UTC().Format("2006-01-02")
	removed := 0
	for org, w := range l.days {
		if w.day != day {
			delete(l.days, org)
			removed++
		}
	}
	return removed
}
