package strategy

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "taskhive/pkg/logx"
)

// LocalFunc is an in-process unit of work for one worker type.
type LocalFunc func(ctx context.Context, payload map[string]any) (any, error)

// Local dispatches to registered in-process functions. Adding a worker type
// means registering a function, not editing a switch.
type Local struct {
	log logx.Logger

	mu  sync.RWMutex
	fns map[string]LocalFunc
}

func NewLocal(log logx.Logger) *Local {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Local{log: log, fns: map[string]LocalFunc{}}
}

func (l *Local) Name() string { return "local" }

// Register installs fn for workerType, replacing any previous registration.
func (l *Local) Register(workerType string, fn LocalFunc) {
	if workerType == "" || fn == nil {
		return
	}
	l.mu.Lock()
	l.fns[workerType] = fn
	l.mu.Unlock()
}

func (l *Local) Execute(ctx context.Context, req Request) (Result, error) {
	l.mu.RLock()
	fn := l.fns[req.WorkerType]
	l.mu.RUnlock()
	if fn == nil {
		return Result{}, fmt.Errorf("%w: no local handler for %q", ErrUnavailable, req.WorkerType)
	}

	start := time.Now()
	out, err := runRecovered(ctx, fn, req.Payload, l.log, req.WorkerType)
	dur := time.Since(start)

	if err != nil {
		return Result{Success: false, Duration: dur, Err: err.Error()}, nil
	}
	return Result{Success: true, Output: out, Duration: dur}, nil
}

// runRecovered converts handler panics into errors so one bad worker can't
// take down the daemon.
func runRecovered(ctx context.Context, fn LocalFunc, payload map[string]any, log logx.Logger, workerType string) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("worker panicked", logx.String("worker", workerType), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return fn(ctx, payload)
}
