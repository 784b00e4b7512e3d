package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// tokenBucket refills continuously at MaxRequests/Window and bursts up to
// MaxRequests. It delegates the refill math to golang.org/x/time/rate.
type tokenBucket struct {
	cfg Config

	mu  sync.Mutex
	lim *rate.Limiter

	now func() time.Time // test hook
}

// NewTokenBucket returns a token-bucket limiter.
func NewTokenBucket(cfg Config) Limiter {
	cfg = cfg.withDefaults()
	return &tokenBucket{
		cfg: cfg,
		lim: newBucket(cfg),
		now: time.Now,
	}
}

func newBucket(cfg Config) *rate.Limiter {
	perSec := float64(cfg.MaxRequests) / cfg.Window.Seconds()
	return rate.NewLimiter(rate.Limit(perSec), cfg.MaxRequests)
}

func (l *tokenBucket) Check() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decisionLocked(l.now(), false)
}

func (l *tokenBucket) Consume() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decisionLocked(l.now(), true)
}

func (l *tokenBucket) Reset() {
	l.mu.Lock()
	l.lim = newBucket(l.cfg)
	l.mu.Unlock()
}

func (l *tokenBucket) Status() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decisionLocked(l.now(), false)
}

func (l *tokenBucket) decisionLocked(now time.Time, consume bool) Decision {
	tokens := l.lim.TokensAt(now)
	if tokens > float64(l.cfg.MaxRequests) {
		tokens = float64(l.cfg.MaxRequests)
	}

	d := Decision{Allowed: tokens >= 1}
	if consume && d.Allowed {
		// AllowN advances the limiter's internal state.
		d.Allowed = l.lim.AllowN(now, 1)
		tokens = l.lim.TokensAt(now)
	}

	d.Remaining = int(math.Floor(tokens))
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	perSec := float64(l.lim.Limit())
	if perSec > 0 {
		missing := float64(l.cfg.MaxRequests) - tokens
		if missing < 0 {
			missing = 0
		}
		d.ResetAt = now.Add(time.Duration(missing / perSec * float64(time.Second)))
		if !d.Allowed {
			need := 1 - tokens
			if need < 0 {
				need = 0
			}
			d.RetryAfter = time.Duration(need / perSec * float64(time.Second))
		}
	} else {
		d.ResetAt = now
	}
	return d
}
