package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/resilience"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := resilience.NewBreaker("chain", 5, 2*time.Minute)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
	}
	require.NoError(t, b.Allow(), "four failures keep the circuit closed")
	b.Failure()

	err := b.Allow()
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeServiceUnavailable))
	assert.Equal(t, errs.KindService, errs.KindOf(err))
	assert.Equal(t, resilience.StateOpen, b.State())
}

func TestBreakerSuccessResetsRun(t *testing.T) {
	b := resilience.NewBreaker("chain", 5, 2*time.Minute)

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	b.Success()
	for i := 0; i < 4; i++ {
		b.Failure()
	}

	assert.NoError(t, b.Allow())
	assert.Equal(t, resilience.StateClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	b := resilience.NewBreaker("chain", 5, 2*time.Minute).
		WithClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		b.Failure()
	}
	require.Error(t, b.Allow())

	// Still open at the end of the cooldown window.
	now = now.Add(119 * time.Second)
	require.Error(t, b.Allow())

	// One probe is admitted after cooldown; a second call is not.
	now = now.Add(2 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, resilience.StateHalfOpen, b.State())
	require.Error(t, b.Allow(), "only one probe while half-open")

	b.Success()
	assert.Equal(t, resilience.StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	b := resilience.NewBreaker("chain", 5, 2*time.Minute).
		WithClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		b.Failure()
	}
	now = now.Add(121 * time.Second)
	require.NoError(t, b.Allow())
	b.Failure()

	assert.Equal(t, resilience.StateOpen, b.State())
	require.Error(t, b.Allow(), "reopened circuit needs a fresh cooldown")

	now = now.Add(121 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreakerDoCountsOnlyServiceFailures(t *testing.T) {
	b := resilience.NewBreaker("provider", 2, 2*time.Minute)
	ctx := context.Background()

	bad := errs.Validation("invalid_amount", "amount must be positive")
	for i := 0; i < 5; i++ {
		err := b.Do(ctx, func(context.Context) error { return bad })
		require.Error(t, err)
	}
	assert.Equal(t, resilience.StateClosed, b.State(),
		"caller errors mean the collaborator answered")

	require.Error(t, b.Do(ctx, func(context.Context) error { return serviceErr("down") }))
	require.Error(t, b.Do(ctx, func(context.Context) error { return serviceErr("down") }))
	assert.Equal(t, resilience.StateOpen, b.State())

	err := b.Do(ctx, func(context.Context) error {
		t.Fatal("open breaker must not invoke the call")
		return nil
	})
	assert.True(t, errs.IsCode(err, errs.CodeServiceUnavailable))
}

func TestGuardFailsFastWhileOpen(t *testing.T) {
	sleeper := &recordingSleeper{}
	g := resilience.NewGuard("chain", nil)
	g.Retrier().WithSleeper(sleeper.sleep)

	for i := 0; i < 5; i++ {
		g.Breaker().Failure()
	}

	calls := 0
	err := g.Do(context.Background(), "chain.submit", func(context.Context) error {
		calls++
		return nil
	})

	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeServiceUnavailable))
	assert.Zero(t, calls, "attempts while open never reach the collaborator")
	assert.Len(t, sleeper.delays, 2, "the retry budget still applies")
}

func TestGuardRecoversThroughProbe(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	sleeper := &recordingSleeper{}
	g := resilience.NewGuard("chain", nil)
	g.Retrier().WithSleeper(sleeper.sleep)
	g.Breaker().WithClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		g.Breaker().Failure()
	}
	now = now.Add(121 * time.Second)

	calls := 0
	err := g.Do(context.Background(), "chain.submit", func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, resilience.StateClosed, g.Breaker().State())
}
