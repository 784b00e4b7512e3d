package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of the circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the circuit rejects a call and no fallback is set.
var ErrOpen = errors.New("circuit breaker open")

// Config controls a Breaker.
//
// The circuit opens when, within the rolling Window, total requests reach
// VolumeThreshold AND failures reach FailureThreshold. Once open it rejects
// everything until Timeout elapses, then admits a bounded trial (HalfOpenMax
// concurrent calls). SuccessThreshold successes in half-open close the
// circuit; a single half-open failure reopens it.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	VolumeThreshold  int
	Window           time.Duration
	Timeout          time.Duration
	HalfOpenMax      int

	// Fallback, when set, is invoked instead of returning ErrOpen.
	Fallback func(ctx context.Context) error

	// OnStateChange observes every transition.
	OnStateChange func(from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = 10
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	return c
}

// StateChange is the payload published for transitions when the breaker is
// wired to an event bus by its owner.
type StateChange struct {
	Name string `json:"name"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Counts is a point-in-time view for diagnostics.
type Counts struct {
	State            string        `json:"state"`
	WindowRequests   int           `json:"window_requests"`
	WindowFailures   int           `json:"window_failures"`
	HalfOpenSuccess  int           `json:"half_open_success"`
	HalfOpenInFlight int           `json:"half_open_inflight"`
	Rejected         uint64        `json:"rejected"`
	SinceTransition  time.Duration `json:"since_transition"`
}

// Breaker is a three-state circuit breaker guarding one downstream dependency.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	requests      []time.Time // rolling window, pruned on use
	failures      []time.Time
	halfOpenOK    int
	halfOpenBusy  int
	transitionAt  time.Time
	rejectedTotal uint64

	now func() time.Time // test hook
}

func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:         name,
		cfg:          cfg.withDefaults(),
		state:        Closed,
		transitionAt: time.Now(),
		now:          time.Now,
	}
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the open→half-open timeout lazily.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(b.now())
	return b.state
}

// Execute runs fn under the breaker discipline.
//
// Rejected calls invoke the fallback when configured, otherwise return ErrOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("breaker: fn is nil")
	}
	now := b.now()

	b.mu.Lock()
	b.refreshLocked(now)
	switch b.state {
	case Open:
		b.rejectedTotal++
		fb := b.cfg.Fallback
		b.mu.Unlock()
		if fb != nil {
			return fb(ctx)
		}
		return ErrOpen
	case HalfOpen:
		if b.halfOpenBusy >= b.cfg.HalfOpenMax {
			b.rejectedTotal++
			fb := b.cfg.Fallback
			b.mu.Unlock()
			if fb != nil {
				return fb(ctx)
			}
			return ErrOpen
		}
		b.halfOpenBusy++
	}
	b.mu.Unlock()

	err := fn(ctx)
	b.record(err)
	return err
}

// Allow reports whether a call would currently be admitted, without running
// anything and without reserving a half-open slot.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(b.now())
	if b.state == Open {
		return false
	}
	if b.state == HalfOpen && b.halfOpenBusy >= b.cfg.HalfOpenMax {
		return false
	}
	return true
}

func (b *Breaker) record(err error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		if b.halfOpenBusy > 0 {
			b.halfOpenBusy--
		}
		if err != nil {
			// One failure during trial reopens immediately.
			b.transitionLocked(Open, now)
			return
		}
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed, now)
		}
		return

	default:
		b.pruneLocked(now)
		b.requests = append(b.requests, now)
		if err != nil {
			b.failures = append(b.failures, now)
		}
		if b.state == Closed &&
			len(b.requests) >= b.cfg.VolumeThreshold &&
			len(b.failures) >= b.cfg.FailureThreshold {
			b.transitionLocked(Open, now)
		}
	}
}

// refreshLocked moves open → half-open once the timeout has elapsed.
func (b *Breaker) refreshLocked(now time.Time) {
	if b.state == Open && now.Sub(b.transitionAt) >= b.cfg.Timeout {
		b.transitionLocked(HalfOpen, now)
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.transitionAt = now

	switch to {
	case HalfOpen:
		b.halfOpenOK = 0
		b.halfOpenBusy = 0
	case Closed:
		b.requests = nil
		b.failures = nil
		b.halfOpenOK = 0
		b.halfOpenBusy = 0
	}

	if b.cfg.OnStateChange != nil {
		// Run outside the lock? Keep it simple: callbacks must not call back
		// into the breaker.
		b.cfg.OnStateChange(from, to)
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cut := now.Add(-b.cfg.Window)
	b.requests = pruneBefore(b.requests, cut)
	b.failures = pruneBefore(b.failures, cut)
}

func pruneBefore(ts []time.Time, cut time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cut) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// CountsNow returns a diagnostics snapshot.
func (b *Breaker) CountsNow() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.refreshLocked(now)
	b.pruneLocked(now)
	return Counts{
		State:            b.state.String(),
		WindowRequests:   len(b.requests),
		WindowFailures:   len(b.failures),
		HalfOpenSuccess:  b.halfOpenOK,
		HalfOpenInFlight: b.halfOpenBusy,
		Rejected:         b.rejectedTotal,
		SinceTransition:  now.Sub(b.transitionAt),
	}
}
