package queue

import (
	"time"

	"taskhive/internal/worker"
)

// Status is a queue task's lifecycle state.
//
// Transitions are monotonic except pending↔processing (requeue on retryable
// failure). completed, failed and cancelled are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// Task is one unit of queued work. Owned by the queue while pending;
// ownership transfers to the dequeuing worker while processing.
type Task struct {
	ID          string          `json:"id"`
	WorkerType  string          `json:"workerType"`
	Priority    worker.Priority `json:"priority"`
	Payload     map[string]any  `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	WorkerID    string          `json:"workerId,omitempty"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	Result      any             `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// NoRetries requests a single attempt with no retry budget.
const NoRetries = -1

// EnqueueOptions tune one Enqueue call. Zero values take the service defaults.
type EnqueueOptions struct {
	Priority worker.Priority
	// MaxRetries bounds re-enqueues after retryable failures. 0 means the
	// service default; pass NoRetries for a single attempt.
	MaxRetries int
	Timeout    time.Duration
}

// Registration is one worker process's membership record. Refreshed by
// heartbeat; reaped when the heartbeat goes stale.
type Registration struct {
	WorkerID      string    `json:"workerId"`
	WorkerTypes   []string  `json:"workerTypes"`
	MaxConcurrent int       `json:"maxConcurrent"`
	CurrentTasks  int       `json:"currentTasks"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	RegisteredAt  time.Time `json:"registeredAt"`
}

// TaskEvent is the bus payload for queue lifecycle events.
type TaskEvent struct {
	TaskID     string `json:"taskId"`
	WorkerType string `json:"workerType"`
	Priority   string `json:"priority"`
	Status     string `json:"status"`
	WorkerID   string `json:"workerId,omitempty"`
	RetryCount int    `json:"retryCount,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Config controls the queue service.
type Config struct {
	// DefaultMaxRetries applies when EnqueueOptions.MaxRetries is 0.
	DefaultMaxRetries int
	// DefaultTimeout applies when EnqueueOptions.Timeout is 0.
	DefaultTimeout time.Duration
	// ResultTTL bounds how long completed results stay retrievable.
	ResultTTL time.Duration
	// DeadLetterEnabled keeps exhausted tasks for inspection.
	DeadLetterEnabled bool
	// HeartbeatInterval is how often workers refresh their registration.
	HeartbeatInterval time.Duration
	// WorkerTTL reaps registrations whose heartbeat is older than this.
	WorkerTTL time.Duration
	// PollInterval is the processing loop's idle sleep.
	PollInterval time.Duration
	// ShutdownGrace bounds the wait for in-flight tasks on Stop.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	} else if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 3
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = time.Hour
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.WorkerTTL <= 0 {
		c.WorkerTTL = 3 * c.HeartbeatInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// retryBackoff is the delay before re-enqueueing a failed task:
// min(30s, 1s * 2^retryCount).
func retryBackoff(retryCount int) time.Duration {
	d := time.Second
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}

// Snapshot is a point-in-time queue view for diagnostics.
type Snapshot struct {
	Pending     map[string]int `json:"pending"`
	Processing  int            `json:"processing"`
	DeadLetters int            `json:"deadLetters"`
	Workers     []Registration `json:"workers"`
}
