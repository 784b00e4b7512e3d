package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskhive/internal/runtime/supervisor"
	logx "taskhive/pkg/logx"
)

// Handler executes one dequeued task. A nil error completes the task with the
// returned result; an error triggers the retry policy.
type Handler func(ctx context.Context, t *Task) (any, error)

// RunnerConfig describes one consumer process.
type RunnerConfig struct {
	// WorkerTypes this runner is willing to process.
	WorkerTypes []string
	// MaxConcurrent bounds simultaneous handler invocations (default 4).
	MaxConcurrent int
}

// Runner pulls tasks off the queue and feeds them to a Handler. One Runner
// maps to one registered worker identity with its own heartbeat.
type Runner struct {
	cfg RunnerConfig
	svc *Service
	log logx.Logger

	workerID string
	inFlight atomic.Int64
}

func NewRunner(cfg RunnerConfig, svc *Service, log logx.Logger) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	id := "runner-" + uuid.NewString()[:8]
	return &Runner{
		cfg:      cfg,
		svc:      svc,
		log:      log.With(logx.String("component", "queue_runner"), logx.String("worker_id", id)),
		workerID: id,
	}
}

func (r *Runner) WorkerID() string { return r.workerID }

// Run registers the worker, processes tasks until ctx is cancelled, then
// drains: in-flight handlers get ShutdownGrace to finish, anything still
// running afterwards is failed non-retryably, and the registration is removed.
func (r *Runner) Run(ctx context.Context, handler Handler) error {
	now := time.Now().UTC()
	reg := &Registration{
		WorkerID:      r.workerID,
		WorkerTypes:   r.cfg.WorkerTypes,
		MaxConcurrent: r.cfg.MaxConcurrent,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	if err := r.svc.store.Register(ctx, reg); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	r.log.Info("worker registered", logx.Any("types", r.cfg.WorkerTypes), logx.Int("max_concurrent", r.cfg.MaxConcurrent))

	sup := supervisor.New(ctx, supervisor.WithLogger(r.log))
	sup.GoRestart("heartbeat", r.heartbeatLoop,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	sup.GoRestart("reaper", r.reaperLoop,
		supervisor.WithRestartBackoff(time.Second, time.Minute))

	var wg sync.WaitGroup
	ticker := time.NewTicker(r.svc.cfg.PollInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
		for r.inFlight.Load() < int64(r.cfg.MaxConcurrent) {
			t, err := r.svc.Dequeue(ctx, r.workerID, r.cfg.WorkerTypes)
			if err != nil {
				if ctx.Err() != nil {
					break loop
				}
				r.log.Error("dequeue failed", logx.Err(err))
				break
			}
			if t == nil {
				break
			}
			r.inFlight.Add(1)
			wg.Add(1)
			go func(t *Task) {
				defer wg.Done()
				defer r.inFlight.Add(-1)
				r.process(t, handler)
			}(t)
		}
	}

	r.log.Info("runner stopping", logx.Int64("in_flight", r.inFlight.Load()))
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(r.svc.cfg.ShutdownGrace):
		r.forceFailRemaining()
	}

	unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sup.Stop(unregCtx)
	if err := r.svc.store.Unregister(unregCtx, r.workerID); err != nil {
		r.log.Warn("unregister failed", logx.Err(err))
	}
	return nil
}

func (r *Runner) process(t *Task, handler Handler) {
	// Detached from the runner context so shutdown grace, not cancellation,
	// bounds in-flight work. The per-task timeout still applies.
	ctx, cancel := context.WithTimeout(context.Background(), t.Timeout)
	defer cancel()

	result, err := func() (res any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("handler panic: %v", rec)
				r.log.Error("handler panicked",
					logx.String("task", t.ID),
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		return handler(ctx, t)
	}()

	opCtx, opCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer opCancel()

	switch {
	case err == nil:
		if cerr := r.svc.Complete(opCtx, t.ID, result); cerr != nil {
			r.log.Error("complete failed", logx.String("task", t.ID), logx.Err(cerr))
		}
	case ctx.Err() != nil:
		if ferr := r.svc.Fail(opCtx, t.ID, fmt.Errorf("%w: %v", ErrRunTimeout, ctx.Err()), true); ferr != nil {
			r.log.Error("fail failed", logx.String("task", t.ID), logx.Err(ferr))
		}
	default:
		if ferr := r.svc.Fail(opCtx, t.ID, err, true); ferr != nil {
			r.log.Error("fail failed", logx.String("task", t.ID), logx.Err(ferr))
		}
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.svc.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := r.svc.store.Heartbeat(hbCtx, r.workerID, int(r.inFlight.Load()), time.Now().UTC())
			cancel()
			if err != nil {
				r.log.Warn("heartbeat failed", logx.Err(err))
			}
		}
	}
}

func (r *Runner) reaperLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.svc.cfg.WorkerTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reapCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			n, err := r.svc.ReapStale(reapCtx)
			cancel()
			if err != nil {
				r.log.Warn("reap pass failed", logx.Err(err))
			} else if n > 0 {
				r.log.Info("reaped stale workers", logx.Int("count", n))
			}
		}
	}
}

// forceFailRemaining marks this worker's still-processing tasks failed after
// the shutdown grace elapses. No retry: the handler may still be running and
// a re-run elsewhere could double-execute.
func (r *Runner) forceFailRemaining() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tasks, err := r.svc.store.ProcessingBy(ctx, r.workerID)
	if err != nil {
		r.log.Error("list in-flight on shutdown failed", logx.Err(err))
		return
	}
	for _, t := range tasks {
		if err := r.svc.Fail(ctx, t.ID, errors.New("worker shutdown before completion"), false); err != nil {
			r.log.Warn("force fail failed", logx.String("task", t.ID), logx.Err(err))
		}
	}
	r.log.Warn("forced failure of in-flight tasks on shutdown", logx.Int("count", len(tasks)))
}
