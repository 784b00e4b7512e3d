package bulkhead

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// occupy grabs the only slot and returns a func that releases it.
func occupy(t *testing.T, b *Bulkhead) (release func(), done chan error) {
	t.Helper()
	block := make(chan struct{})
	started := make(chan struct{})
	done = make(chan error, 1)
	go func() {
		done <- b.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started
	return func() { close(block) }, done
}

func waitQueued(t *testing.T, b *Bulkhead, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.StatsNow().Queued >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never saw %d queued waiters (have %d)", n, b.StatsNow().Queued)
}

func TestRejectsBeyondQueue(t *testing.T) {
	t.Parallel()
	b := New("test", Config{MaxConcurrent: 1, MaxQueue: 1})
	release, first := occupy(t, b)

	queued := make(chan error, 1)
	go func() {
		queued <- b.Execute(context.Background(), func(context.Context) error { return nil })
	}()
	waitQueued(t, b, 1)

	// slot busy, queue full: immediate rejection
	err := b.Execute(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrFull)

	release()
	require.NoError(t, <-first)
	require.NoError(t, <-queued)

	st := b.StatsNow()
	assert.Equal(t, uint64(2), st.Completed)
	assert.Equal(t, uint64(1), st.Rejected)
	assert.Zero(t, st.InFlight)
	assert.Zero(t, st.Queued)
}

func TestWaitersRunInArrivalOrder(t *testing.T) {
	t.Parallel()
	b := New("test", Config{MaxConcurrent: 1, MaxQueue: 4})
	release, first := occupy(t, b)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		waitQueued(t, b, i)
	}

	release()
	require.NoError(t, <-first)
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestQueueTimeout(t *testing.T) {
	t.Parallel()
	b := New("test", Config{MaxConcurrent: 1, MaxQueue: 2, QueueTimeout: 20 * time.Millisecond})
	release, first := occupy(t, b)
	defer func() { release(); <-first }()

	err := b.Execute(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueTimeout)
	assert.Equal(t, uint64(1), b.StatsNow().TimedOut)
}

func TestContextCancelWhileQueued(t *testing.T) {
	t.Parallel()
	b := New("test", Config{MaxConcurrent: 1, MaxQueue: 2})
	release, first := occupy(t, b)
	defer func() { release(); <-first }()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Execute(ctx, func(context.Context) error { return nil })
	}()
	waitQueued(t, b, 1)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
