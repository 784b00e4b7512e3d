package bulkhead

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrFull is returned when both the execution slots and the wait queue are full.
	ErrFull = errors.New("bulkhead: queue full")
	// ErrQueueTimeout is returned when a queued call waited longer than QueueTimeout.
	ErrQueueTimeout = errors.New("bulkhead: queue timeout")
)

// Config controls a Bulkhead.
type Config struct {
	// MaxConcurrent bounds simultaneous executions.
	MaxConcurrent int
	// MaxQueue bounds how many callers may wait for a slot. 0 disables queueing.
	MaxQueue int
	// QueueTimeout bounds how long a queued caller waits. 0 means wait until
	// ctx is done.
	QueueTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.MaxQueue < 0 {
		c.MaxQueue = 0
	}
	return c
}

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	InFlight  int    `json:"inflight"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Rejected  uint64 `json:"rejected"`
	TimedOut  uint64 `json:"timed_out"`
}

// Bulkhead isolates one workload behind a concurrency limit with a bounded
// FIFO wait queue. Excess callers beyond MaxConcurrent+MaxQueue are rejected
// immediately.
type Bulkhead struct {
	name string
	cfg  Config

	mu       sync.Mutex
	inFlight int
	waiters  *list.List // of chan struct{}

	completed uint64
	rejected  uint64
	timedOut  uint64
}

func New(name string, cfg Config) *Bulkhead {
	return &Bulkhead{
		name:    name,
		cfg:     cfg.withDefaults(),
		waiters: list.New(),
	}
}

func (b *Bulkhead) Name() string { return b.name }

// Execute runs fn within the bulkhead, queueing FIFO when at capacity.
func (b *Bulkhead) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("bulkhead: fn is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()

	err := fn(ctx)
	b.mu.Lock()
	b.completed++
	b.mu.Unlock()
	return err
}

func (b *Bulkhead) acquire(ctx context.Context) error {
	b.mu.Lock()
	if b.inFlight < b.cfg.MaxConcurrent {
		b.inFlight++
		b.mu.Unlock()
		return nil
	}
	if b.waiters.Len() >= b.cfg.MaxQueue {
		b.rejected++
		b.mu.Unlock()
		return ErrFull
	}

	grant := make(chan struct{})
	elem := b.waiters.PushBack(grant)
	b.mu.Unlock()

	var timeoutCh <-chan time.Time
	if b.cfg.QueueTimeout > 0 {
		tmr := time.NewTimer(b.cfg.QueueTimeout)
		defer tmr.Stop()
		timeoutCh = tmr.C
	}

	select {
	case <-grant:
		// Slot was handed over by release(); inFlight already accounts for us.
		return nil
	case <-timeoutCh:
		if b.abandon(elem) {
			b.mu.Lock()
			b.timedOut++
			b.mu.Unlock()
			return ErrQueueTimeout
		}
		// Grant raced with the timeout; we own a slot after all.
		<-grant
		return nil
	case <-ctx.Done():
		if b.abandon(elem) {
			return ctx.Err()
		}
		<-grant
		return nil
	}
}

// abandon removes a waiter from the queue. Returns false when the waiter was
// already granted a slot concurrently.
func (b *Bulkhead) abandon(elem *list.Element) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for e := b.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			b.waiters.Remove(e)
			return true
		}
	}
	return false
}

func (b *Bulkhead) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Hand the slot to the oldest waiter instead of freeing it, preserving FIFO.
	if e := b.waiters.Front(); e != nil {
		b.waiters.Remove(e)
		close(e.Value.(chan struct{}))
		return
	}
	if b.inFlight > 0 {
		b.inFlight--
	}
}

// StatsNow returns a diagnostics snapshot.
func (b *Bulkhead) StatsNow() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		InFlight:  b.inFlight,
		Queued:    b.waiters.Len(),
		Completed: b.completed,
		Rejected:  b.rejected,
		TimedOut:  b.timedOut,
	}
}
