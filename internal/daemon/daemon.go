// Package daemon schedules periodic worker runs: cron triggering, admission
// control (overlap, concurrency, host pressure), strategy dispatch and
// runtime-state bookkeeping.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskhive/internal/eventbus"
	"taskhive/internal/storage"
	"taskhive/internal/strategy"
	"taskhive/internal/sysmon"
	"taskhive/internal/worker"
	logx "taskhive/pkg/logx"
	"taskhive/pkg/telemetry"
)

// Service runs registered worker types on their intervals.
//
// Admission happens at fire time, in order: the overlap gate (a type never
// runs concurrently with itself), the global concurrency ceiling, then host
// pressure. Failing the ceiling or pressure checks defers the run instead of
// erroring; deferred types re-attempt as soon as any run finishes.
type Service struct {
	cfg   Config
	reg   *worker.Registry
	store storage.Store // nil when persistence is disabled
	bus   eventbus.Bus
	log   logx.Logger
	probe sysmon.Probe

	strategies map[worker.Mode]strategy.Strategy
	payloads   map[string]map[string]any

	mu       sync.Mutex
	c        *cron.Cron
	entries  map[string]cron.EntryID
	states   map[string]*worker.RuntimeState
	active   map[string]bool // overlap gate per type
	inFlight int
	deferred []string
	defSet   map[string]struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, reg *worker.Registry, strategies map[worker.Mode]strategy.Strategy,
	store storage.Store, bus eventbus.Bus, probe sysmon.Probe, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg.withDefaults(),
		reg:        reg,
		store:      store,
		bus:        bus,
		probe:      probe,
		log:        log.With(logx.String("component", "daemon")),
		strategies: strategies,
		payloads:   map[string]map[string]any{},
		entries:    map[string]cron.EntryID{},
		states:     map[string]*worker.RuntimeState{},
		active:     map[string]bool{},
		defSet:     map[string]struct{}{},
	}
}

// SetPayload attaches the static payload handed to the strategy on each run.
func (s *Service) SetPayload(workerType string, payload map[string]any) {
	s.mu.Lock()
	s.payloads[workerType] = payload
	s.mu.Unlock()
}

// Start restores persisted state and begins cron triggering. Counters survive
// a restart; NextRun does not, every schedule starts fresh with its spread.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	s.restoreStatesLocked(ctx)

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}

	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.c = cron.New(cron.WithLocation(loc))
	now := time.Now()
	for _, d := range s.reg.Enabled() {
		d := d
		sched, jitter := makeIntervalScheduleWithSpread(d.Interval, s.cfg.StartupSpread, now, d.Type)
		id := s.c.Schedule(sched, cron.FuncJob(func() { s.fire(d.Type) }))
		s.entries[d.Type] = id
		st := s.stateLocked(d.Type)
		st.NextRun = now.Add(d.Interval + jitter)
		s.log.Debug("worker scheduled",
			logx.String("worker", d.Type),
			logx.Duration("interval", d.Interval),
			logx.Duration("spread", jitter))
	}
	s.c.Start()
	s.log.Info("daemon started",
		logx.Int("workers", len(s.entries)),
		logx.Int("max_concurrent", s.cfg.MaxConcurrent),
		logx.String("tz", loc.String()))
	return nil
}

// Stop halts triggering and waits for in-flight runs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.entries = map[string]cron.EntryID{}
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// runs still going; cut their contexts and wait again briefly
		if cancel != nil {
			cancel()
		}
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}

	s.persistStates(context.Background())
	s.log.Info("daemon stopped", logx.Duration("took", time.Since(start)))
}

// Apply updates admission settings from a config reload. Schedule and
// timezone changes need a restart; interval edits are not hot-applied.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg.MaxConcurrent = cfg.MaxConcurrent
	s.cfg.DefaultTimeout = cfg.DefaultTimeout
	s.cfg.Thresholds = cfg.Thresholds
	s.mu.Unlock()
	s.log.Info("daemon config applied",
		logx.Int("max_concurrent", cfg.MaxConcurrent),
		logx.Duration("default_timeout", cfg.DefaultTimeout))
}

// RunNow triggers one run outside the schedule. Same admission rules apply.
func (s *Service) RunNow(workerType string) error {
	if _, ok := s.reg.Get(workerType); !ok {
		return fmt.Errorf("unknown worker type %q", workerType)
	}
	go s.fire(workerType)
	return nil
}

// Snapshot returns the current status of every registered worker type.
func (s *Service) Snapshot() []WorkerStatus {
	defs := s.reg.List()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerStatus, 0, len(defs))
	for _, d := range defs {
		st := worker.RuntimeState{}
		if p, ok := s.states[d.Type]; ok {
			st = *p
		}
		out = append(out, WorkerStatus{Descriptor: d, State: st})
	}
	return out
}

// fire is the admission gate. Called from cron, RunNow and the deferral drain.
func (s *Service) fire(workerType string) {
	d, ok := s.reg.Get(workerType)
	if !ok || !d.Enabled {
		return
	}

	s.mu.Lock()
	if s.c == nil {
		s.mu.Unlock()
		return
	}
	if s.active[workerType] {
		// overlap gate: skip silently, the next tick will try again
		s.mu.Unlock()
		s.log.Debug("run skipped, previous still executing", logx.String("worker", workerType))
		return
	}
	if s.inFlight >= s.cfg.MaxConcurrent {
		s.deferLocked(workerType, "concurrency")
		s.mu.Unlock()
		return
	}
	if s.probe != nil {
		if sample, err := s.probe.Sample(); err == nil {
			if ok, reason := sysmon.Check(sample, s.cfg.Thresholds); !ok {
				s.deferLocked(workerType, reason)
				s.mu.Unlock()
				return
			}
		}
	}
	s.active[workerType] = true
	s.inFlight++
	st := s.stateLocked(workerType)
	st.IsRunning = true
	runCtx := s.runCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, d)
	}()
}

func (s *Service) run(parent context.Context, d worker.Descriptor) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	s.publish(eventbus.TypeWorkerStarted, WorkerEvent{WorkerType: d.Type, Mode: string(d.Mode)})
	telemetry.DaemonRunning.Inc()
	start := time.Now()

	s.mu.Lock()
	payload := s.payloads[d.Type]
	s.mu.Unlock()

	res, err := s.dispatch(ctx, d, payload, timeout)
	dur := time.Since(start)
	success := err == nil && res.Success

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	} else if !res.Success {
		errMsg = res.Err
	}

	now := time.Now().UTC()
	s.mu.Lock()
	st := s.stateLocked(d.Type)
	st.RecordRun(now, dur, success)
	st.IsRunning = false
	st.NextRun = now.Add(d.Interval)
	s.active[d.Type] = false
	s.inFlight--
	s.mu.Unlock()

	telemetry.DaemonRunning.Dec()
	telemetry.DaemonRunDurationSeconds.WithLabelValues(d.Type).Observe(dur.Seconds())
	ev := WorkerEvent{WorkerType: d.Type, Mode: string(d.Mode), DurationMs: dur.Milliseconds()}
	if success {
		telemetry.DaemonRunsTotal.WithLabelValues(d.Type, "success").Inc()
		ev.Outcome = "success"
		s.publish(eventbus.TypeWorkerCompleted, ev)
		s.log.Info("worker run completed", logx.String("worker", d.Type), logx.Duration("took", dur))
	} else {
		telemetry.DaemonRunsTotal.WithLabelValues(d.Type, "failure").Inc()
		ev.Outcome = "failure"
		ev.Error = errMsg
		s.publish(eventbus.TypeWorkerFailed, ev)
		s.log.Warn("worker run failed",
			logx.String("worker", d.Type),
			logx.Duration("took", dur),
			logx.String("err", errMsg))
	}

	s.persistStates(context.Background())
	s.audit(d.Type, success, errMsg, dur)
	s.drainDeferred()
}

// dispatch picks the strategy for the worker's mode. A strategy reporting
// ErrUnavailable falls back to local execution when one is registered.
func (s *Service) dispatch(ctx context.Context, d worker.Descriptor, payload map[string]any, timeout time.Duration) (strategy.Result, error) {
	req := strategy.Request{WorkerType: d.Type, Payload: payload, Timeout: timeout}

	strat, ok := s.strategies[d.Mode]
	if !ok {
		return strategy.Result{}, fmt.Errorf("no strategy for mode %q", d.Mode)
	}
	res, err := strat.Execute(ctx, req)
	if err != nil && errors.Is(err, strategy.ErrUnavailable) && d.Mode != worker.ModeLocal {
		if local, ok := s.strategies[worker.ModeLocal]; ok {
			s.log.Warn("strategy unavailable, falling back to local",
				logx.String("worker", d.Type),
				logx.String("mode", string(d.Mode)),
				logx.String("err", err.Error()))
			return local.Execute(ctx, req)
		}
	}
	return res, err
}

func (s *Service) deferLocked(workerType, reason string) {
	if _, dup := s.defSet[workerType]; !dup {
		s.defSet[workerType] = struct{}{}
		s.deferred = append(s.deferred, workerType)
	}
	telemetry.DaemonDeferredTotal.WithLabelValues(workerType, reason).Inc()
	s.publish(eventbus.TypeWorkerDeferred, WorkerEvent{WorkerType: workerType, Reason: reason})
	s.log.Info("worker run deferred", logx.String("worker", workerType), logx.String("reason", reason))
}

// drainDeferred re-fires every deferred type. Each goes through admission
// again, so anything still inadmissible just re-defers.
func (s *Service) drainDeferred() {
	s.mu.Lock()
	pending := s.deferred
	s.deferred = nil
	s.defSet = map[string]struct{}{}
	s.mu.Unlock()
	for _, wt := range pending {
		go s.fire(wt)
	}
}

func (s *Service) stateLocked(workerType string) *worker.RuntimeState {
	st, ok := s.states[workerType]
	if !ok {
		st = &worker.RuntimeState{}
		s.states[workerType] = st
	}
	return st
}

func (s *Service) restoreStatesLocked(ctx context.Context) {
	if s.store == nil {
		return
	}
	var saved map[string]worker.RuntimeState
	found, err := s.store.LoadDoc(ctx, stateDocKey, &saved)
	if err != nil {
		s.log.Warn("state restore failed", logx.Err(err))
		return
	}
	if !found {
		return
	}
	for wt, st := range saved {
		st := st
		// a restored state is never mid-run, and its schedule restarts fresh
		st.IsRunning = false
		st.NextRun = time.Time{}
		s.states[wt] = &st
	}
	s.log.Info("worker state restored", logx.Int("workers", len(saved)))
}

func (s *Service) persistStates(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	snap := make(map[string]worker.RuntimeState, len(s.states))
	for wt, st := range s.states {
		snap[wt] = *st
	}
	s.mu.Unlock()
	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.store.SaveDoc(saveCtx, stateDocKey, snap); err != nil {
		s.log.Warn("state persist failed", logx.Err(err))
	}
}

func (s *Service) audit(workerType string, ok bool, errMsg string, dur time.Duration) {
	if s.store == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{"durationMs": dur.Milliseconds()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.AppendAudit(ctx, storage.AuditEntry{
		At:       time.Now().UTC(),
		Actor:    "daemon",
		Action:   "worker_run",
		Target:   workerType,
		OK:       ok,
		Error:    errMsg,
		TookMS:   dur.Milliseconds(),
		MetaJSON: string(meta),
	}); err != nil {
		s.log.Debug("audit append failed", logx.Err(err))
	}
}

func (s *Service) publish(typ string, ev WorkerEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
