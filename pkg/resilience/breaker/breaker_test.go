package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("downstream down")

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test", cfg)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func fail(ctx context.Context) error { return errDown }
func ok(ctx context.Context) error   { return nil }

func trip(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), ok)
	}
	require.Equal(t, Open, b.State())
}

func TestOpensOnlyWithVolumeAndFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{
		FailureThreshold: 5,
		VolumeThreshold:  10,
		Window:           time.Minute,
		Timeout:          30 * time.Second,
	})

	// 5 failures + 4 successes = 9 requests: below volume, still closed
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Execute(context.Background(), fail), errDown)
	}
	for i := 0; i < 4; i++ {
		assert.NoError(t, b.Execute(context.Background(), ok))
	}
	assert.Equal(t, Closed, b.State())

	// 10th request crosses the volume threshold with 5 failures in window
	assert.NoError(t, b.Execute(context.Background(), ok))
	assert.Equal(t, Open, b.State())
}

func TestOpenRejectsWithoutCalling(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{FailureThreshold: 5, VolumeThreshold: 10, Timeout: 30 * time.Second})
	trip(t, b)

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.False(t, b.Allow())
}

func TestFallbackRunsWhenOpen(t *testing.T) {
	t.Parallel()
	fallbackRan := false
	b, _ := newTestBreaker(Config{
		FailureThreshold: 5,
		VolumeThreshold:  10,
		Timeout:          30 * time.Second,
		Fallback: func(context.Context) error {
			fallbackRan = true
			return nil
		},
	})
	trip(t, b)

	assert.NoError(t, b.Execute(context.Background(), fail))
	assert.True(t, fallbackRan)
}

func TestHalfOpenAfterTimeout(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{FailureThreshold: 5, VolumeThreshold: 10, Timeout: 30 * time.Second})
	trip(t, b)

	*clock = clock.Add(29 * time.Second)
	assert.Equal(t, Open, b.State())

	*clock = clock.Add(time.Second)
	assert.Equal(t, HalfOpen, b.State())
	assert.True(t, b.Allow())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{FailureThreshold: 5, VolumeThreshold: 10, Timeout: 30 * time.Second})
	trip(t, b)
	*clock = clock.Add(30 * time.Second)
	require.Equal(t, HalfOpen, b.State())

	assert.ErrorIs(t, b.Execute(context.Background(), fail), errDown)
	assert.Equal(t, Open, b.State())
}

func TestSuccessThresholdCloses(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{
		FailureThreshold: 5,
		VolumeThreshold:  10,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMax:      2,
	})
	trip(t, b)
	*clock = clock.Add(30 * time.Second)
	require.Equal(t, HalfOpen, b.State())

	assert.NoError(t, b.Execute(context.Background(), ok))
	assert.Equal(t, HalfOpen, b.State())
	assert.NoError(t, b.Execute(context.Background(), ok))
	assert.Equal(t, Closed, b.State())

	// counts reset on close
	c := b.CountsNow()
	assert.Equal(t, "closed", c.State)
	assert.Zero(t, c.WindowRequests)
}

func TestStateChangeCallback(t *testing.T) {
	t.Parallel()
	var transitions []string
	b, clock := newTestBreaker(Config{
		FailureThreshold: 5,
		VolumeThreshold:  10,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	trip(t, b)
	*clock = clock.Add(30 * time.Second)
	_ = b.State()
	require.NoError(t, b.Execute(context.Background(), ok))

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}
