package queue

import (
	"context"
	"time"
)

// Store is the queue's persistence boundary. Implementations must make Pop
// atomic: removing the task from pending and marking it processing happen as
// one step so two workers can never hold the same task.
type Store interface {
	// Put inserts a pending task, ordered by priority: before the first task
	// of strictly lower priority, after all tasks of equal or higher
	// priority. FIFO within a tier.
	Put(ctx context.Context, t *Task) error

	// Pop scans workerTypes in the given order and removes the first type's
	// highest-priority pending task, marking it processing and owned by
	// workerID. Returns (nil, nil) when nothing is eligible.
	Pop(ctx context.Context, workerTypes []string, workerID string, now time.Time) (*Task, error)

	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, t *Task) error

	// Remove drops a pending task. ErrTaskNotFound if absent or not pending.
	Remove(ctx context.Context, id string) error

	PendingCounts(ctx context.Context) (map[string]int, error)

	PutResult(ctx context.Context, id string, result any, ttl time.Duration) error
	GetResult(ctx context.Context, id string) (any, bool, error)

	DeadLetter(ctx context.Context, t *Task) error
	DeadLetters(ctx context.Context, workerType string) ([]Task, error)

	Register(ctx context.Context, r *Registration) error
	Heartbeat(ctx context.Context, workerID string, currentTasks int, at time.Time) error
	Unregister(ctx context.Context, workerID string) error
	Registrations(ctx context.Context) ([]Registration, error)

	// ProcessingBy lists tasks currently owned by workerID.
	ProcessingBy(ctx context.Context, workerID string) ([]Task, error)

	Close() error
}
