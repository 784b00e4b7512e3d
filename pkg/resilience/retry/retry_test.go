package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoExhaustsExactlyMaxAttempts(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	calls := 0

	res := Do(context.Background(), Config{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}, func(context.Context) error {
		calls++
		return boom
	})

	assert.False(t, res.OK)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, res.Attempts)
	require.Len(t, res.Errors, 4)
	assert.ErrorIs(t, res.Err(), boom)
}

func TestDoSucceedsMidway(t *testing.T) {
	t.Parallel()
	calls := 0
	res := Do(context.Background(), Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.True(t, res.OK)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, res.Errors, 2)
	assert.NoError(t, res.Err())
}

func TestPermanentAbortsImmediately(t *testing.T) {
	t.Parallel()
	calls := 0
	res := Do(context.Background(), Config{MaxAttempts: 5, InitialDelay: time.Millisecond},
		func(context.Context) error {
			calls++
			return Permanent(errors.New("bad input"))
		})

	assert.False(t, res.OK)
	assert.Equal(t, 1, calls)
	require.Len(t, res.Errors, 1)
	assert.True(t, IsPermanent(res.Err()))
}

func TestRetryablePredicateStops(t *testing.T) {
	t.Parallel()
	fatal := errors.New("fatal")
	calls := 0
	res := Do(context.Background(), Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, fatal) },
	}, func(context.Context) error {
		calls++
		return fatal
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, res.Err(), fatal)
}

func TestOnRetryObservesEachFailure(t *testing.T) {
	t.Parallel()
	var seen []int
	Do(context.Background(), Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		OnRetry:      func(attempt int, _ error) { seen = append(seen, attempt) },
	}, func(context.Context) error {
		return errors.New("nope")
	})
	// called after attempts 1 and 2, never after the final one
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDelayExponentialAndCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
	}

	assert.Equal(t, time.Duration(0), Delay(cfg, 1, nil))
	assert.Equal(t, 100*time.Millisecond, Delay(cfg, 2, nil))
	assert.Equal(t, 200*time.Millisecond, Delay(cfg, 3, nil))
	assert.Equal(t, 400*time.Millisecond, Delay(cfg, 4, nil))

	prev := time.Duration(0)
	for attempt := 2; attempt < 12; attempt++ {
		d := Delay(cfg, attempt, nil)
		assert.GreaterOrEqual(t, d, prev, "delay must not shrink")
		assert.LessOrEqual(t, d, cfg.MaxDelay)
		prev = d
	}
	assert.Equal(t, cfg.MaxDelay, Delay(cfg, 11, nil))
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	res := Do(ctx, Config{MaxAttempts: 5, InitialDelay: time.Millisecond},
		func(context.Context) error {
			calls++
			return errors.New("nope")
		})

	assert.Equal(t, 1, calls)
	assert.False(t, res.OK)
}
