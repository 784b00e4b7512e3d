package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhive/internal/eventbus"
	"taskhive/internal/worker"
	logx "taskhive/pkg/logx"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc := NewService(cfg, NewMemoryStore(), eventbus.New(), logx.Nop())
	t.Cleanup(svc.Close)
	return svc
}

// waitDequeue polls until a task for workerType becomes dequeueable, covering
// the delay between a retry being scheduled and its re-enqueue firing.
func waitDequeue(t *testing.T, svc *Service, workerID, workerType string) *Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := svc.Dequeue(context.Background(), workerID, []string{workerType})
		require.NoError(t, err)
		if task != nil {
			return task
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no task became dequeueable")
	return nil
}

func TestRetryBackoffCapsAtThirtySeconds(t *testing.T) {
	t.Parallel()
	assert.Equal(t, time.Second, retryBackoff(0))
	assert.Equal(t, 2*time.Second, retryBackoff(1))
	assert.Equal(t, 4*time.Second, retryBackoff(2))
	assert.Equal(t, 16*time.Second, retryBackoff(4))
	assert.Equal(t, 30*time.Second, retryBackoff(5))
	assert.Equal(t, 30*time.Second, retryBackoff(20))
}

func TestDequeueHonorsPriorityThenFIFO(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{})
	ctx := context.Background()

	low, err := svc.Enqueue(ctx, "report", map[string]any{"n": 1}, EnqueueOptions{Priority: worker.PriorityLow})
	require.NoError(t, err)
	crit, err := svc.Enqueue(ctx, "report", nil, EnqueueOptions{Priority: worker.PriorityCritical})
	require.NoError(t, err)
	normA, err := svc.Enqueue(ctx, "report", nil, EnqueueOptions{Priority: worker.PriorityNormal})
	require.NoError(t, err)
	normB, err := svc.Enqueue(ctx, "report", nil, EnqueueOptions{Priority: worker.PriorityNormal})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 4; i++ {
		task, err := svc.Dequeue(ctx, "w1", []string{"report"})
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, StatusProcessing, task.Status)
		assert.Equal(t, "w1", task.WorkerID)
		got = append(got, task.ID)
	}
	assert.Equal(t, []string{crit, normA, normB, low}, got)

	empty, err := svc.Dequeue(ctx, "w1", []string{"report"})
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestCompleteCachesResult(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{ResultTTL: time.Minute})
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, "report", nil, EnqueueOptions{})
	require.NoError(t, err)
	task, err := svc.Dequeue(ctx, "w1", []string{"report"})
	require.NoError(t, err)
	require.NotNil(t, task)

	require.NoError(t, svc.Complete(ctx, id, map[string]any{"rows": 42}))

	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	res, found, err := svc.Result(ctx, id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, map[string]any{"rows": 42}, res)

	// completing twice is an error, the task is no longer processing
	assert.ErrorIs(t, svc.Complete(ctx, id, nil), ErrNotProcessing)
}

func TestFailRetryableGoesBackToPending(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{DefaultMaxRetries: 2})
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, "report", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = svc.Dequeue(ctx, "w1", []string{"report"})
	require.NoError(t, err)

	require.NoError(t, svc.Fail(ctx, id, errors.New("connection reset"), true))

	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.WorkerID)
	assert.Nil(t, got.StartedAt)
}

func TestFailExhaustedDeadLetters(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{DeadLetterEnabled: true})
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, "report", map[string]any{"q": "x"}, EnqueueOptions{MaxRetries: NoRetries})
	require.NoError(t, err)
	_, err = svc.Dequeue(ctx, "w1", []string{"report"})
	require.NoError(t, err)

	require.NoError(t, svc.Fail(ctx, id, errors.New("schema mismatch"), true))

	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "schema mismatch", got.Error)

	dead, err := svc.DeadLetters(ctx, "report")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
}

func TestRetryRequeueRunsToExhaustion(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{DeadLetterEnabled: true})
	svc.backoff = func(int) time.Duration { return time.Millisecond }
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, "report", nil, EnqueueOptions{MaxRetries: 2})
	require.NoError(t, err)

	// two re-enqueues, then the third failure exhausts the budget
	for attempt := 0; attempt < 3; attempt++ {
		task := waitDequeue(t, svc, "w1", "report")
		require.Equal(t, id, task.ID)
		assert.Equal(t, attempt, task.RetryCount)
		require.NoError(t, svc.Fail(ctx, id, errors.New("flaky downstream"), true))
	}

	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)

	dead, err := svc.DeadLetters(ctx, "report")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)

	empty, err := svc.Dequeue(ctx, "w1", []string{"report"})
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestFailNonRetryableSkipsRetryBudget(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{DefaultMaxRetries: 5, DeadLetterEnabled: true})
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, "report", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = svc.Dequeue(ctx, "w1", []string{"report"})
	require.NoError(t, err)

	require.NoError(t, svc.Fail(ctx, id, errors.New("worker shutdown before completion"), false))
	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestTimeoutErrorGetsTimeoutStatus(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{})
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, "report", nil, EnqueueOptions{MaxRetries: NoRetries})
	require.NoError(t, err)
	_, err = svc.Dequeue(ctx, "w1", []string{"report"})
	require.NoError(t, err)

	require.NoError(t, svc.Fail(ctx, id, fmt.Errorf("%w: %v", ErrRunTimeout, context.DeadlineExceeded), true))
	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, got.Status)

	// an ordinary failure message mentioning a timeout is still just failed
	id2, err := svc.Enqueue(ctx, "report", nil, EnqueueOptions{MaxRetries: NoRetries})
	require.NoError(t, err)
	_, err = svc.Dequeue(ctx, "w1", []string{"report"})
	require.NoError(t, err)
	require.NoError(t, svc.Fail(ctx, id2, errors.New("timeout parsing upstream response"), true))
	got2, err := svc.Get(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got2.Status)
}

func TestCancelOnlyPending(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{})
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, "report", nil, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, id))
	_, err = svc.Get(ctx, id)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	// processing tasks cannot be cancelled
	id2, err := svc.Enqueue(ctx, "report", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = svc.Dequeue(ctx, "w1", []string{"report"})
	require.NoError(t, err)
	assert.Error(t, svc.Cancel(ctx, id2))
}

func TestDequeueMatchesWorkerTypes(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{})
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "email", nil, EnqueueOptions{})
	require.NoError(t, err)

	task, err := svc.Dequeue(ctx, "w1", []string{"report"})
	require.NoError(t, err)
	assert.Nil(t, task)

	task, err = svc.Dequeue(ctx, "w1", []string{"report", "email"})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "email", task.WorkerType)
}

func TestDequeueScansTypesInCallerOrder(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{})
	ctx := context.Background()

	low, err := svc.Enqueue(ctx, "report", nil, EnqueueOptions{Priority: worker.PriorityLow})
	require.NoError(t, err)
	crit, err := svc.Enqueue(ctx, "email", nil, EnqueueOptions{Priority: worker.PriorityCritical})
	require.NoError(t, err)

	// the first listed type wins even when a later type holds a higher tier
	task, err := svc.Dequeue(ctx, "w1", []string{"report", "email"})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, low, task.ID)

	task, err = svc.Dequeue(ctx, "w1", []string{"report", "email"})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, crit, task.ID)
}

func TestReapStaleRequeuesOrphans(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{HeartbeatInterval: time.Second, WorkerTTL: 3 * time.Second})
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, svc.store.Register(ctx, &Registration{
		WorkerID:      "dead-worker",
		WorkerTypes:   []string{"report"},
		LastHeartbeat: stale,
		RegisteredAt:  stale,
	}))

	id, err := svc.Enqueue(ctx, "report", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = svc.Dequeue(ctx, "dead-worker", []string{"report"})
	require.NoError(t, err)

	n, err := svc.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the orphaned task is dequeueable again
	task, err := svc.Dequeue(ctx, "w2", []string{"report"})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, id, task.ID)

	regs, err := svc.store.Registrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestReapStaleKeepsHealthyWorkers(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{WorkerTTL: time.Minute})
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, svc.store.Register(ctx, &Registration{
		WorkerID:      "alive",
		LastHeartbeat: now,
		RegisteredAt:  now,
	}))

	n, err := svc.ReapStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSnapshotCountsPending(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Enqueue(ctx, "report", nil, EnqueueOptions{})
		require.NoError(t, err)
	}
	_, err := svc.Enqueue(ctx, "email", nil, EnqueueOptions{})
	require.NoError(t, err)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"report": 3, "email": 1}, snap.Pending)
}
