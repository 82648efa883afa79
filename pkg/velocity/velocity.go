// Package velocity enforces sliding-window transaction limits per agent.
// The same governor backs the verifier's rate check and the trust
// framework; both reject before any signature work is done.
package velocity

import (
	"context"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// Window identifies which limit a rejection matched.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Code returns the rejection reason for the window.
func (w Window) Code() string { return "rate_limit_" + string(w) }

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// Limits configures the three windows. Zero disables a window.
type Limits struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	PerDay    int `yaml:"per_day"`
}

// DefaultLimits are the platform defaults.
var DefaultLimits = Limits{PerMinute: 10, PerHour: 100, PerDay: 500}

func (l Limits) forWindow(w Window) int {
	switch w {
	case WindowMinute:
		return l.PerMinute
	case WindowHour:
		return l.PerHour
	default:
		return l.PerDay
	}
}

var windows = []Window{WindowMinute, WindowHour, WindowDay}

// Governor admits or rejects events against the sliding windows.
type Governor interface {
	// Allow records one event for key if every window has headroom. A
	// rejection is a KindRateLimit error carrying the violated window's
	// code; rejected events are not recorded.
	Allow(ctx context.Context, key string) error
}

// MemoryGovernor is the in-process Governor.
type MemoryGovernor struct {
	mu     sync.Mutex
	limits Limits
	events map[string][]time.Time
	now    func() time.Time
}

// NewMemoryGovernor builds a governor with the given limits.
func NewMemoryGovernor(limits Limits) *MemoryGovernor {
	return &MemoryGovernor{limits: limits, events: make(map[string][]time.Time), now: time.Now}
}

// WithClock replaces the governor's time source.
func (g *MemoryGovernor) WithClock(now func() time.Time) *MemoryGovernor {
	g.now = now
	return g
}

// Allow implements Governor.
func (g *MemoryGovernor) Allow(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	kept := prune(g.events[key], now.Add(-WindowDay.Duration()))
	g.events[key] = kept

	for _, w := range windows {
		limit := g.limits.forWindow(w)
		if limit <= 0 {
			continue
		}
		cutoff := now.Add(-w.Duration())
		count := 0
		for _, ts := range kept {
			if ts.After(cutoff) {
				count++
			}
		}
		if count >= limit {
			return errs.Newf(errs.KindRateLimit, w.Code(), "limit of %d per %s reached", limit, w)
		}
	}
	g.events[key] = append(kept, now)
	return nil
}

// Count reports events for key within the window.
func (g *MemoryGovernor) Count(key string, w Window) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-w.Duration())
	count := 0
	for _, ts := range g.events[key] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

// PruneIdle drops keys whose every event has left the day window. The
// background sweeper calls this periodically.
func (g *MemoryGovernor) PruneIdle() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-WindowDay.Duration())
	removed := 0
	for key, events := range g.events {
		if kept := prune(events, cutoff); len(kept) == 0 {
			delete(g.events, key)
			removed++
		} else {
			g.events[key] = kept
		}
	}
	return removed
}

func prune(events []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(events) && !events[idx].After(cutoff) {
		idx++
	}
	return events[idx:]
}
