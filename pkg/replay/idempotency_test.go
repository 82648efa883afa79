package replay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyReplaysFirstOutcome(t *testing.T) {
	ctx := context.Background()
	idem := NewIdempotency(0)

	var calls atomic.Int64
	fn := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte(`{"payment_id":"pay_1"}`), nil
	}

	out, replayed, err := idem.Do(ctx, "idem_1", fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.JSONEq(t, `{"payment_id":"pay_1"}`, string(out))

	out, replayed, err = idem.Do(ctx, "idem_1", fn)
	require.NoError(t, err)
	assert.True(t, replayed, "second call with the same key replays")
	assert.JSONEq(t, `{"payment_id":"pay_1"}`, string(out))
	assert.Equal(t, int64(1), calls.Load())

	// A different key runs independently.
	_, replayed, err = idem.Do(ctx, "idem_2", fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(2), calls.Load())
}

func TestIdempotencyErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	idem := NewIdempotency(0)

	var calls int
	_, _, err := idem.Do(ctx, "idem_flaky", func(context.Context) ([]byte, error) {
		calls++
		return nil, errors.New("provider down")
	})
	require.Error(t, err)

	out, replayed, err := idem.Do(ctx, "idem_flaky", func(context.Context) ([]byte, error) {
		calls++
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.False(t, replayed, "a failed run releases the key")
	assert.Equal(t, "ok", string(out))
	assert.Equal(t, 2, calls)
}

func TestIdempotencyExpiredOutcomeRunsAgain(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1_750_000_000, 0)
	current := base
	var mu sync.Mutex
	idem := NewIdempotency(DefaultIdempotencyTTL).WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	})

	var calls int
	fn := func(context.Context) ([]byte, error) {
		calls++
		return []byte("v"), nil
	}

	_, _, err := idem.Do(ctx, "idem_1", fn)
	require.NoError(t, err)

	_, ok := idem.Lookup("idem_1")
	assert.True(t, ok)

	mu.Lock()
	current = base.Add(DefaultIdempotencyTTL)
	mu.Unlock()

	_, ok = idem.Lookup("idem_1")
	assert.False(t, ok, "seven days later the outcome is stale")

	_, replayed, err := idem.Do(ctx, "idem_1", fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 2, calls)
}

// Fifty goroutines race the same idempotency key; the operation runs once
// and every caller sees the same payload.
func TestIdempotencyConcurrentDuplicatesRunOnce(t *testing.T) {
	ctx := context.Background()
	idem := NewIdempotency(0)

	var calls atomic.Int64
	fn := func(context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return []byte("settled"), nil
	}

	const parallel = 50
	var firsts atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out, replayed, err := idem.Do(ctx, "idem_contended", fn)
			assert.NoError(t, err)
			assert.Equal(t, "settled", string(out))
			if !replayed {
				firsts.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), firsts.Load(), "exactly one caller executes")
}

func TestIdempotencyWaiterStopsWhenContextEnds(t *testing.T) {
	idem := NewIdempotency(0)

	release := make(chan struct{})
	go func() {
		_, _, _ = idem.Do(context.Background(), "idem_slow", func(context.Context) ([]byte, error) {
			<-release
			return []byte("late"), nil
		})
	}()
	require.Eventually(t, func() bool { return idem.Len() == 1 },
		time.Second, time.Millisecond, "first caller claims the key")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := idem.Do(ctx, "idem_slow", func(context.Context) ([]byte, error) {
		t.Error("duplicate must not execute")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
}

func TestIdempotencyPruneExpired(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1_750_000_000, 0)
	current := base
	idem := NewIdempotency(DefaultIdempotencyTTL).WithClock(func() time.Time { return current })

	ok := func(context.Context) ([]byte, error) { return []byte("ok"), nil }
	_, _, err := idem.Do(ctx, "old", ok)
	require.NoError(t, err)

	current = base.Add(6 * 24 * time.Hour)
	_, _, err = idem.Do(ctx, "fresh", ok)
	require.NoError(t, err)

	current = base.Add(DefaultIdempotencyTTL)
	assert.Equal(t, 1, idem.PruneExpired())
	assert.Equal(t, 1, idem.Len())

	_, found := idem.Lookup("fresh")
	assert.True(t, found)
}
