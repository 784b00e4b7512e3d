package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWindow(cfg Config) (*slidingWindow, *time.Time) {
	l := NewSlidingWindow(cfg).(*slidingWindow)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestSlidingWindowConsumesToZero(t *testing.T) {
	t.Parallel()
	l, _ := newTestWindow(Config{MaxRequests: 3, Window: time.Minute})

	for i := 3; i >= 1; i-- {
		d := l.Consume()
		require.True(t, d.Allowed)
		assert.Equal(t, i-1, d.Remaining)
	}

	d := l.Consume()
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Equal(t, time.Minute, d.RetryAfter)
}

func TestSlidingWindowCheckDoesNotConsume(t *testing.T) {
	t.Parallel()
	l, _ := newTestWindow(Config{MaxRequests: 2, Window: time.Minute})

	for i := 0; i < 5; i++ {
		d := l.Check()
		assert.True(t, d.Allowed)
		assert.Equal(t, 2, d.Remaining)
	}
}

func TestSlidingWindowFreesAsEventsAge(t *testing.T) {
	t.Parallel()
	l, clock := newTestWindow(Config{MaxRequests: 2, Window: time.Minute})

	require.True(t, l.Consume().Allowed)
	*clock = clock.Add(30 * time.Second)
	require.True(t, l.Consume().Allowed)
	require.False(t, l.Consume().Allowed)

	// first event leaves the window
	*clock = clock.Add(31 * time.Second)
	d := l.Consume()
	assert.True(t, d.Allowed)
}

func TestSlidingWindowReset(t *testing.T) {
	t.Parallel()
	l, _ := newTestWindow(Config{MaxRequests: 1, Window: time.Minute})
	require.True(t, l.Consume().Allowed)
	require.False(t, l.Consume().Allowed)

	l.Reset()
	d := l.Status()
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestTokenBucketBurstsThenRejects(t *testing.T) {
	t.Parallel()
	l := NewTokenBucket(Config{MaxRequests: 3, Window: time.Hour}).(*tokenBucket)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		assert.True(t, l.Consume().Allowed, "burst call %d", i)
	}
	d := l.Consume()
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	l.Reset()
	assert.True(t, l.Consume().Allowed)
}

func TestTokenBucketRefills(t *testing.T) {
	t.Parallel()
	l := NewTokenBucket(Config{MaxRequests: 60, Window: time.Minute}).(*tokenBucket)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	for i := 0; i < 60; i++ {
		require.True(t, l.Consume().Allowed)
	}
	require.False(t, l.Consume().Allowed)

	// one token per second at 60/min
	clock = clock.Add(1100 * time.Millisecond)
	assert.True(t, l.Consume().Allowed)
}
