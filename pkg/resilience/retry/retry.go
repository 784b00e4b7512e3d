package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Config controls retry behaviour.
//
// Delay for attempt n (n >= 2) is
//
//	min(MaxDelay, InitialDelay * Multiplier^(n-1)) + jitter
//
// where jitter is delay * JitterFactor * uniform(-1, 1).
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// JitterFactor in [0, 1]. 0.2 = ±20%.
	JitterFactor float64

	// AttemptTimeout bounds each individual attempt. 0 disables it.
	AttemptTimeout time.Duration

	// Retryable classifies errors. Returning false aborts immediately.
	// nil means every error is retryable.
	Retryable func(error) bool

	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 15 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	return c
}

// Result carries the outcome of a Do call.
//
// Errors holds every error encountered, one per failed attempt, so earlier
// failures are never silently dropped.
type Result struct {
	OK       bool
	Attempts int
	Elapsed  time.Duration
	Errors   []error
}

// Err returns the error from the last attempt, or nil on success.
func (r Result) Err() error {
	if r.OK || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[len(r.Errors)-1]
}

// Permanent marks an error as non-retryable regardless of the Retryable predicate.
//
// Callers can wrap validation errors or other permanent failures so Do won't
// waste attempts on them:
//
//	return retry.Permanent(fmt.Errorf("bad input: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// Do calls fn up to cfg.MaxAttempts times, sleeping between attempts with
// exponential backoff and jitter. Each attempt runs under its own timeout
// when AttemptTimeout is set.
//
// Do stops early when ctx is canceled, when fn succeeds, or when an error is
// classified as non-retryable (Permanent wrapper or Retryable predicate).
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	start := time.Now()
	res := Result{}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		err := runAttempt(ctx, cfg.AttemptTimeout, fn)
		if err == nil {
			res.OK = true
			break
		}
		res.Errors = append(res.Errors, err)

		var pe permanentError
		if errors.As(err, &pe) {
			break
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			break
		}
		if ctx.Err() != nil || attempt >= cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		delay := Delay(cfg, attempt+1, rng)
		if delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				res.Errors = append(res.Errors, ctx.Err())
				res.Elapsed = time.Since(start)
				return res
			case <-tmr.C:
			}
		}
	}

	res.Elapsed = time.Since(start)
	return res
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(runCtx)
}

// Delay computes the sleep before the given attempt (attempt >= 2).
// Pass a nil rng to disable jitter.
func Delay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	cfg = cfg.withDefaults()
	if attempt < 2 {
		return 0
	}

	d := float64(cfg.InitialDelay)
	for i := 2; i < attempt; i++ {
		d *= cfg.Multiplier
		if d >= float64(cfg.MaxDelay) {
			break
		}
	}
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}

	if cfg.JitterFactor > 0 && rng != nil {
		d += d * cfg.JitterFactor * (rng.Float64()*2 - 1)
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}
