package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskhive/internal/eventbus"
	logx "taskhive/pkg/logx"
	"taskhive/pkg/telemetry"
)

// Service is the distributed task queue. It layers lifecycle rules (retry
// backoff, dead-lettering, result TTL, heartbeat reaping) over a Store.
type Service struct {
	cfg   Config
	store Store
	bus   eventbus.Bus
	log   logx.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer // pending retry re-enqueues by task id

	closed chan struct{}
	once   sync.Once

	backoff func(int) time.Duration // test hook
}

func NewService(cfg Config, store Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		store:   store,
		bus:     bus,
		log:     log.With(logx.String("component", "queue")),
		timers:  make(map[string]*time.Timer),
		closed:  make(chan struct{}),
		backoff: retryBackoff,
	}
}

// Enqueue accepts a new task and returns its id.
func (s *Service) Enqueue(ctx context.Context, workerType string, payload map[string]any, opts EnqueueOptions) (string, error) {
	if workerType == "" {
		return "", fmt.Errorf("queue: empty worker type")
	}
	t := &Task{
		ID:         uuid.NewString(),
		WorkerType: workerType,
		Priority:   opts.Priority,
		Payload:    payload,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: opts.MaxRetries,
		Timeout:    opts.Timeout,
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = s.cfg.DefaultMaxRetries
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}
	if t.Timeout <= 0 {
		t.Timeout = s.cfg.DefaultTimeout
	}
	if err := s.store.Put(ctx, t); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	telemetry.QueueTasksEnqueued.WithLabelValues(workerType, t.Priority.String()).Inc()
	s.publish(eventbus.TypeTaskEnqueued, t, "")
	s.log.Debug("task enqueued",
		logx.String("task", t.ID),
		logx.String("worker", workerType),
		logx.String("priority", t.Priority.String()))
	return t.ID, nil
}

// Dequeue scans workerTypes in the given order and hands workerID the
// first type's highest-priority task. Priority ranks tasks within a type;
// the caller's type order ranks across types.
// Returns (nil, nil) when the queue has nothing for the given types.
func (s *Service) Dequeue(ctx context.Context, workerID string, workerTypes []string) (*Task, error) {
	t, err := s.store.Pop(ctx, workerTypes, workerID, time.Now().UTC())
	if err != nil || t == nil {
		return t, err
	}
	s.publish(eventbus.TypeTaskDequeued, t, "")
	return t, nil
}

// Complete marks a processing task done and caches its result for ResultTTL.
func (s *Service) Complete(ctx context.Context, id string, result any) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusProcessing {
		return ErrNotProcessing
	}
	now := time.Now().UTC()
	t.Status = StatusCompleted
	t.CompletedAt = &now
	t.Result = result
	if err := s.store.Update(ctx, t); err != nil {
		return err
	}
	if result != nil {
		if err := s.store.PutResult(ctx, id, result, s.cfg.ResultTTL); err != nil {
			s.log.Warn("result cache write failed", logx.String("task", id), logx.Err(err))
		}
	}
	telemetry.QueueTasksCompleted.WithLabelValues(t.WorkerType, string(StatusCompleted)).Inc()
	s.publish(eventbus.TypeTaskCompleted, t, "")
	return nil
}

// Fail records a failure. Retryable tasks below their retry budget go back to
// pending after an exponential backoff; exhausted or non-retryable tasks end
// as failed and optionally dead-letter. A cause wrapping ErrRunTimeout ends
// as timeout instead of failed.
func (s *Service) Fail(ctx context.Context, id string, cause error, retryable bool) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusProcessing {
		return ErrNotProcessing
	}
	taskErr := ""
	if cause != nil {
		taskErr = cause.Error()
	}
	t.Error = taskErr

	if retryable && t.RetryCount < t.MaxRetries {
		delay := s.backoff(t.RetryCount)
		t.RetryCount++
		t.Status = StatusPending
		t.WorkerID = ""
		t.StartedAt = nil
		if err := s.store.Update(ctx, t); err != nil {
			return err
		}
		telemetry.QueueRetriesTotal.WithLabelValues(t.WorkerType).Inc()
		s.publish(eventbus.TypeTaskRetrying, t, taskErr)
		s.log.Info("task retry scheduled",
			logx.String("task", id),
			logx.Int("attempt", t.RetryCount),
			logx.Duration("delay", delay))
		s.scheduleRequeue(t, delay)
		return nil
	}

	now := time.Now().UTC()
	t.Status = StatusFailed
	if errors.Is(cause, ErrRunTimeout) {
		t.Status = StatusTimeout
	}
	t.CompletedAt = &now
	if err := s.store.Update(ctx, t); err != nil {
		return err
	}
	telemetry.QueueTasksCompleted.WithLabelValues(t.WorkerType, string(t.Status)).Inc()
	s.publish(eventbus.TypeTaskFailed, t, taskErr)
	if s.cfg.DeadLetterEnabled {
		if err := s.store.DeadLetter(ctx, t); err != nil {
			s.log.Warn("dead letter write failed", logx.String("task", id), logx.Err(err))
		} else {
			telemetry.QueueDeadLetterTotal.WithLabelValues(t.WorkerType).Inc()
			s.publish(eventbus.TypeTaskDeadLetter, t, taskErr)
		}
	}
	return nil
}

// Cancel removes a task that has not started yet. Processing and finished
// tasks cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id string) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusPending {
		return fmt.Errorf("queue: cannot cancel task in state %q", t.Status)
	}
	if err := s.store.Remove(ctx, id); err != nil {
		return err
	}
	s.cancelRequeue(id)
	t.Status = StatusCancelled
	telemetry.QueueTasksCompleted.WithLabelValues(t.WorkerType, string(StatusCancelled)).Inc()
	s.publish(eventbus.TypeTaskCancelled, t, "")
	return nil
}

// Get returns the current task record.
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	return s.store.Get(ctx, id)
}

// Result returns a completed task's cached result, if still within its TTL.
func (s *Service) Result(ctx context.Context, id string) (any, bool, error) {
	return s.store.GetResult(ctx, id)
}

// DeadLetters lists exhausted tasks, optionally filtered by worker type.
func (s *Service) DeadLetters(ctx context.Context, workerType string) ([]Task, error) {
	return s.store.DeadLetters(ctx, workerType)
}

// Snapshot reports queue depth, membership and dead-letter count.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	pending, err := s.store.PendingCounts(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	regs, err := s.store.Registrations(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	dead, err := s.store.DeadLetters(ctx, "")
	if err != nil {
		return Snapshot{}, err
	}
	processing := 0
	for _, r := range regs {
		processing += r.CurrentTasks
	}
	for wt, n := range pending {
		telemetry.QueueDepth.WithLabelValues(wt).Set(float64(n))
	}
	return Snapshot{Pending: pending, Processing: processing, DeadLetters: len(dead), Workers: regs}, nil
}

// ReapStale drops registrations whose heartbeat exceeded WorkerTTL and puts
// their in-flight tasks back on the queue.
func (s *Service) ReapStale(ctx context.Context) (int, error) {
	regs, err := s.store.Registrations(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-s.cfg.WorkerTTL)
	reaped := 0
	for _, r := range regs {
		if r.LastHeartbeat.After(cutoff) {
			continue
		}
		tasks, err := s.store.ProcessingBy(ctx, r.WorkerID)
		if err != nil {
			return reaped, err
		}
		for _, t := range tasks {
			t := t
			t.Status = StatusPending
			t.WorkerID = ""
			t.StartedAt = nil
			if err := s.store.Update(ctx, &t); err != nil {
				return reaped, err
			}
			if err := s.store.Put(ctx, &t); err != nil {
				return reaped, err
			}
			s.publish(eventbus.TypeTaskRetrying, &t, "worker heartbeat stale")
		}
		if err := s.store.Unregister(ctx, r.WorkerID); err != nil {
			return reaped, err
		}
		reaped++
		s.log.Warn("stale worker reaped",
			logx.String("worker_id", r.WorkerID),
			logx.Int("requeued", len(tasks)),
			logx.Time("last_heartbeat", r.LastHeartbeat))
	}
	return reaped, nil
}

// Close stops pending retry timers. In-flight store operations finish on
// their own contexts.
func (s *Service) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		for id, tm := range s.timers {
			tm.Stop()
			delete(s.timers, id)
		}
		s.mu.Unlock()
	})
}

func (s *Service) scheduleRequeue(t *Task, delay time.Duration) {
	cp := *t
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return
	default:
	}
	s.timers[cp.ID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, cp.ID)
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.Put(ctx, &cp); err != nil {
			s.log.Error("retry re-enqueue failed", logx.String("task", cp.ID), logx.Err(err))
		}
	})
}

func (s *Service) cancelRequeue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tm, ok := s.timers[id]; ok {
		tm.Stop()
		delete(s.timers, id)
	}
}

func (s *Service) publish(typ string, t *Task, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: TaskEvent{
		TaskID:     t.ID,
		WorkerType: t.WorkerType,
		Priority:   t.Priority.String(),
		Status:     string(t.Status),
		WorkerID:   t.WorkerID,
		RetryCount: t.RetryCount,
		Error:      errMsg,
	}})
}
