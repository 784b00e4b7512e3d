package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhive/internal/eventbus"
	"taskhive/internal/queue"
	"taskhive/internal/strategy"
	"taskhive/internal/worker"
	logx "taskhive/pkg/logx"
	"taskhive/pkg/resilience/bulkhead"
	"taskhive/pkg/resilience/ratelimit"
	"taskhive/pkg/resilience/retry"
)

// scriptedStrategy returns whatever fn decides for the nth call.
type scriptedStrategy struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (strategy.Result, error)
}

func (s *scriptedStrategy) Name() string { return "scripted" }

func (s *scriptedStrategy) Execute(context.Context, strategy.Request) (strategy.Result, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	return s.fn(n)
}

func (s *scriptedStrategy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newGuardTestApp() *App {
	return &App{bus: eventbus.New(), log: logx.Nop()}
}

func TestGuardRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	a := newGuardTestApp()
	stub := &scriptedStrategy{fn: func(call int) (strategy.Result, error) {
		if call < 3 {
			return strategy.Result{}, errors.New("exec: broken pipe")
		}
		return strategy.Result{Success: true, Output: "done"}, nil
	}}
	g := a.guard("headless", stub, guardSettings{
		retry: retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})

	res, err := g.Execute(context.Background(), strategy.Request{WorkerType: "report"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, stub.callCount())
}

func TestGuardSkipsRetryWhenBackendUnavailable(t *testing.T) {
	t.Parallel()
	a := newGuardTestApp()
	stub := &scriptedStrategy{fn: func(int) (strategy.Result, error) {
		return strategy.Result{}, fmt.Errorf("binary not found: %w", strategy.ErrUnavailable)
	}}
	g := a.guard("headless", stub, guardSettings{
		retry: retry.Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})

	_, err := g.Execute(context.Background(), strategy.Request{WorkerType: "report"})
	assert.ErrorIs(t, err, strategy.ErrUnavailable)
	// an unavailable backend is not retried within the run
	assert.Equal(t, 1, stub.callCount())
}

func TestGuardRateLimitReportsUnavailable(t *testing.T) {
	t.Parallel()
	a := newGuardTestApp()
	stub := &scriptedStrategy{fn: func(int) (strategy.Result, error) {
		return strategy.Result{Success: true}, nil
	}}
	g := a.guard("container", stub, guardSettings{
		retry: retry.Config{MaxAttempts: 1},
		limit: ratelimit.Config{MaxRequests: 1, Window: time.Minute},
	})

	_, err := g.Execute(context.Background(), strategy.Request{WorkerType: "report"})
	require.NoError(t, err)

	// the second call inside the window is routed to the local fallback
	_, err = g.Execute(context.Background(), strategy.Request{WorkerType: "report"})
	assert.ErrorIs(t, err, strategy.ErrUnavailable)
	assert.Equal(t, 1, stub.callCount())
}

func TestQueueHandlerBulkheadLimitsConcurrency(t *testing.T) {
	t.Parallel()
	local := strategy.NewLocal(logx.Nop())
	a := &App{
		bus:        eventbus.New(),
		log:        logx.Nop(),
		registry:   worker.NewRegistry(),
		local:      local,
		strategies: map[worker.Mode]strategy.Strategy{worker.ModeLocal: local},
		bulk:       bulkhead.New("queue_handler", bulkhead.Config{MaxConcurrent: 1, MaxQueue: 0}),
	}

	release := make(chan struct{})
	started := make(chan struct{})
	local.Register("slow", func(ctx context.Context, _ map[string]any) (any, error) {
		close(started)
		<-release
		return "ok", nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := a.queueHandler(context.Background(), &queue.Task{WorkerType: "slow", Timeout: time.Minute})
		done <- err
	}()
	<-started

	// the single slot is occupied and the wait queue is disabled
	_, err := a.queueHandler(context.Background(), &queue.Task{WorkerType: "slow", Timeout: time.Minute})
	assert.ErrorIs(t, err, bulkhead.ErrFull)

	close(release)
	require.NoError(t, <-done)
}
