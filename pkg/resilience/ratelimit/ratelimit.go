package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Remaining requests before the limit is hit.
	Remaining int `json:"remaining"`
	// ResetAt is when the limiter returns to full capacity.
	ResetAt time.Time `json:"resetAt"`
	// RetryAfter is how long a rejected caller should wait. Zero when allowed.
	RetryAfter time.Duration `json:"retryAfter"`
}

// Limiter is the common contract for the interchangeable algorithms.
//
// Check answers "would a request be allowed" without consuming capacity;
// Consume takes capacity when allowed.
type Limiter interface {
	Check() Decision
	Consume() Decision
	Reset()
	Status() Decision
}

// Config sizes a limiter: MaxRequests per Window.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 60
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	return c
}

// slidingWindow counts requests in the trailing Window exactly.
type slidingWindow struct {
	cfg Config

	mu     sync.Mutex
	events []time.Time

	now func() time.Time // test hook
}

// NewSlidingWindow returns a limiter that keeps an exact count of request
// timestamps inside the trailing window.
func NewSlidingWindow(cfg Config) Limiter {
	return &slidingWindow{cfg: cfg.withDefaults(), now: time.Now}
}

func (l *slidingWindow) Check() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	return l.decisionLocked(now, len(l.events))
}

func (l *slidingWindow) Consume() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	d := l.decisionLocked(now, len(l.events))
	if d.Allowed {
		l.events = append(l.events, now)
		d.Remaining--
		if d.Remaining < 0 {
			d.Remaining = 0
		}
	}
	return d
}

func (l *slidingWindow) Reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

func (l *slidingWindow) Status() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	d := l.decisionLocked(now, len(l.events))
	return d
}

func (l *slidingWindow) pruneLocked(now time.Time) {
	cut := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.events) && l.events[i].Before(cut) {
		i++
	}
	if i > 0 {
		l.events = append(l.events[:0], l.events[i:]...)
	}
}

func (l *slidingWindow) decisionLocked(now time.Time, used int) Decision {
	d := Decision{
		Allowed:   used < l.cfg.MaxRequests,
		Remaining: l.cfg.MaxRequests - used,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if len(l.events) > 0 {
		d.ResetAt = l.events[len(l.events)-1].Add(l.cfg.Window)
	} else {
		d.ResetAt = now
	}
	if !d.Allowed {
		// Capacity frees when the oldest event leaves the window.
		d.RetryAfter = l.events[0].Add(l.cfg.Window).Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}
