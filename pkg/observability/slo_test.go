package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSLOStatusCompliant(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	tr := NewSLOTracker().WithClock(func() time.Time { return now })
	tr.SetTarget(&SLOTarget{
		SLOID: "slo_verify", Operation: "verify",
		LatencyP99: 250 * time.Millisecond, SuccessRate: 0.99, WindowHours: 24,
	})

	for i := 0; i < 100; i++ {
		tr.Record(SLOObservation{
			Operation: "verify",
			Latency:   10 * time.Millisecond,
			Success:   true,
			Timestamp: now.Add(-time.Hour),
		})
	}

	status, err := tr.Status("verify")
	require.NoError(t, err)
	assert.True(t, status.InCompliance)
	assert.Equal(t, 1.0, status.CurrentSuccess)
	assert.Equal(t, 100, status.ObservationCount)
	assert.Equal(t, 100.0, status.ErrorBudgetLeft)
}

func TestSLOStatusBurnsBudget(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	tr := NewSLOTracker().WithClock(func() time.Time { return now })
	tr.SetTarget(&SLOTarget{
		SLOID: "slo_treasury", Operation: "treasury",
		LatencyP99: 30 * time.Second, SuccessRate: 0.99, WindowHours: 24,
	})

	// 10% failures against a 1% budget: burn rate 10x, budget gone.
	for i := 0; i < 100; i++ {
		tr.Record(SLOObservation{
			Operation: "treasury",
			Latency:   time.Second,
			Success:   i%10 != 0,
			Timestamp: now.Add(-time.Minute),
		})
	}

	status, err := tr.Status("treasury")
	require.NoError(t, err)
	assert.False(t, status.InCompliance)
	assert.InDelta(t, 10.0, status.BurnRate, 0.5)
	assert.Zero(t, status.ErrorBudgetLeft)
}

func TestSLOStatusIgnoresObservationsOutsideWindow(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	tr := NewSLOTracker().WithClock(func() time.Time { return now })
	tr.SetTarget(&SLOTarget{
		SLOID: "slo_anchor", Operation: "anchor",
		LatencyP99: time.Minute, SuccessRate: 0.95, WindowHours: 24,
	})

	tr.Record(SLOObservation{
		Operation: "anchor", Latency: time.Second, Success: false,
		Timestamp: now.Add(-25 * time.Hour),
	})

	status, err := tr.Status("anchor")
	require.NoError(t, err)
	assert.True(t, status.InCompliance, "stale failures fall out of the window")
	assert.Zero(t, status.ObservationCount)
}

func TestSLOStatusLatencyBreach(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	tr := NewSLOTracker().WithClock(func() time.Time { return now })
	tr.SetTarget(&SLOTarget{
		SLOID: "slo_verify", Operation: "verify",
		LatencyP99: 250 * time.Millisecond, SuccessRate: 0.9, WindowHours: 24,
	})

	for i := 0; i < 50; i++ {
		tr.Record(SLOObservation{
			Operation: "verify", Latency: 2 * time.Second, Success: true,
			Timestamp: now.Add(-time.Minute),
		})
	}

	status, err := tr.Status("verify")
	require.NoError(t, err)
	assert.False(t, status.InCompliance, "all successes but p99 over target")
	assert.Equal(t, 1.0, status.CurrentSuccess)
}

func TestSLOStatusUnknownOperation(t *testing.T) {
	tr := NewSLOTracker()
	_, err := tr.Status("no_such_op")
	require.Error(t, err)
}

func TestDefaultTargetsCoverPaymentPath(t *testing.T) {
	targets := DefaultTargets()
	ops := make(map[string]bool, len(targets))
	for _, target := range targets {
		ops[target.Operation] = true
		assert.Positive(t, target.LatencyP99)
		assert.Greater(t, target.SuccessRate, 0.9)
		assert.Positive(t, target.WindowHours)
	}
	for _, op := range []string{"verify", "policy", "checkout", "escrow", "treasury", "anchor"} {
		assert.True(t, ops[op], "missing default target for %s", op)
	}
}

func TestNilTrackerRecordIsSafe(t *testing.T) {
	var tr *SLOTracker
	tr.Record(SLOObservation{Operation: "verify"})
}
