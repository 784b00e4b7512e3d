package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskhive/internal/config"
	"taskhive/internal/eventbus"
	"taskhive/internal/strategy"
	logx "taskhive/pkg/logx"
	"taskhive/pkg/resilience/breaker"
	"taskhive/pkg/resilience/bulkhead"
	"taskhive/pkg/resilience/ratelimit"
	"taskhive/pkg/resilience/retry"
	"taskhive/pkg/telemetry"
)

// guardSettings is the per-strategy slice of the resilience config block.
// limit.MaxRequests 0 leaves the rate limiter off.
type guardSettings struct {
	breaker breaker.Config
	retry   retry.Config
	limit   ratelimit.Config
}

// guard wraps a subprocess-backed strategy in the resilience stack: a rate
// limiter in front, then a circuit breaker around a retried invocation. A
// broken backend (missing binary, dead container runtime) or an exhausted
// limiter reports ErrUnavailable, which routes the run through the local
// fallback path instead of failing it outright.
func (a *App) guard(name string, inner strategy.Strategy, gs guardSettings) strategy.Strategy {
	bcfg := gs.breaker
	bcfg.OnStateChange = func(from, to breaker.State) {
		telemetry.BreakerState.WithLabelValues(name).Set(float64(to))
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeBreakerState, Data: breaker.StateChange{
			Name: name,
			From: from.String(),
			To:   to.String(),
		}})
		a.log.Warn("circuit state changed",
			logx.String("breaker", name),
			logx.String("from", from.String()),
			logx.String("to", to.String()))
	}

	rcfg := gs.retry
	// A backend that says it is unavailable will not recover within one run.
	rcfg.Retryable = func(err error) bool { return !errors.Is(err, strategy.ErrUnavailable) }
	rcfg.OnRetry = func(attempt int, err error) {
		a.log.Warn("strategy attempt failed, retrying",
			logx.String("strategy", name),
			logx.Int("attempt", attempt),
			logx.Err(err))
	}

	g := &guardedStrategy{inner: inner, brk: breaker.New(name, bcfg), retry: rcfg}
	if gs.limit.MaxRequests > 0 {
		if a.rdb != nil {
			// Shared limiter: every hived process guarding this backend
			// draws from the same window.
			g.limiter = newSharedLimiter(a.rdb, name, gs.limit, a.log)
		} else {
			g.limiter = ratelimit.NewTokenBucket(gs.limit)
		}
	}
	return g
}

type guardedStrategy struct {
	inner   strategy.Strategy
	brk     *breaker.Breaker
	retry   retry.Config
	limiter ratelimit.Limiter // nil when rate limiting is off
}

func (g *guardedStrategy) Name() string { return g.inner.Name() }

// Execute counts only strategy errors against the circuit. A run that executes
// but reports Success=false failed on its own merits, not the backend's.
func (g *guardedStrategy) Execute(ctx context.Context, req strategy.Request) (strategy.Result, error) {
	if g.limiter != nil {
		if d := g.limiter.Consume(); !d.Allowed {
			return strategy.Result{}, fmt.Errorf("%s rate limited, retry in %s: %w",
				g.brk.Name(), d.RetryAfter, strategy.ErrUnavailable)
		}
	}
	var res strategy.Result
	err := g.brk.Execute(ctx, func(ctx context.Context) error {
		r := retry.Do(ctx, g.retry, func(ctx context.Context) error {
			var innerErr error
			res, innerErr = g.inner.Execute(ctx, req)
			return innerErr
		})
		return r.Err()
	})
	if errors.Is(err, breaker.ErrOpen) {
		return strategy.Result{}, fmt.Errorf("%s circuit open: %w", g.brk.Name(), strategy.ErrUnavailable)
	}
	return res, err
}

// sharedLimiter adapts the cross-process redis window to the Limiter
// interface. Redis errors fail open: a broken limiter store must not stop
// work dispatch.
type sharedLimiter struct {
	rw  *ratelimit.RedisWindow
	key string
	log logx.Logger
}

func newSharedLimiter(rdb *redis.Client, key string, cfg ratelimit.Config, log logx.Logger) *sharedLimiter {
	return &sharedLimiter{rw: ratelimit.NewRedisWindow(rdb, cfg), key: key, log: log}
}

func (l *sharedLimiter) Check() ratelimit.Decision   { return l.call(l.rw.Check) }
func (l *sharedLimiter) Consume() ratelimit.Decision { return l.call(l.rw.Consume) }
func (l *sharedLimiter) Status() ratelimit.Decision  { return l.call(l.rw.Check) }

func (l *sharedLimiter) Reset() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.rw.Reset(ctx, l.key); err != nil {
		l.log.Warn("rate limiter reset failed", logx.String("key", l.key), logx.Err(err))
	}
}

func (l *sharedLimiter) call(fn func(context.Context, string) (ratelimit.Decision, error)) ratelimit.Decision {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := fn(ctx, l.key)
	if err != nil {
		l.log.Warn("rate limiter unavailable, failing open", logx.String("key", l.key), logx.Err(err))
		return ratelimit.Decision{Allowed: true}
	}
	return d
}

// resilienceSettings parses the resilience config block into the strategy
// guard settings and the queue handler's bulkhead config.
func resilienceSettings(cfg *config.Config) (guardSettings, bulkhead.Config, error) {
	var gs guardSettings

	window, err := config.ParseDurationField("resilience.breaker.window", cfg.Resilience.Breaker.Window)
	if err != nil {
		return gs, bulkhead.Config{}, err
	}
	timeout, err := config.ParseDurationField("resilience.breaker.timeout", cfg.Resilience.Breaker.Timeout)
	if err != nil {
		return gs, bulkhead.Config{}, err
	}
	gs.breaker = breaker.Config{
		FailureThreshold: cfg.Resilience.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Resilience.Breaker.SuccessThreshold,
		VolumeThreshold:  cfg.Resilience.Breaker.VolumeThreshold,
		Window:           window,
		Timeout:          timeout,
	}

	initial, err := config.ParseDurationField("resilience.retry.initial_delay", cfg.Resilience.Retry.InitialDelay)
	if err != nil {
		return gs, bulkhead.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("resilience.retry.max_delay", cfg.Resilience.Retry.MaxDelay)
	if err != nil {
		return gs, bulkhead.Config{}, err
	}
	gs.retry = retry.Config{
		MaxAttempts:  cfg.Resilience.Retry.MaxAttempts,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   cfg.Resilience.Retry.Multiplier,
		JitterFactor: cfg.Resilience.Retry.JitterFactor,
	}

	rlWindow, err := config.ParseDurationField("resilience.rate_limit.window", cfg.Resilience.RateLimit.Window)
	if err != nil {
		return gs, bulkhead.Config{}, err
	}
	gs.limit = ratelimit.Config{
		MaxRequests: cfg.Resilience.RateLimit.MaxRequests,
		Window:      rlWindow,
	}

	queueTimeout, err := config.ParseDurationField("resilience.bulkhead.queue_timeout", cfg.Resilience.Bulkhead.QueueTimeout)
	if err != nil {
		return gs, bulkhead.Config{}, err
	}
	bk := bulkhead.Config{
		MaxConcurrent: cfg.Resilience.Bulkhead.MaxConcurrent,
		MaxQueue:      cfg.Resilience.Bulkhead.MaxQueue,
		QueueTimeout:  queueTimeout,
	}
	return gs, bk, nil
}
