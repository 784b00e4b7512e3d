package daemon

import (
	"time"

	"taskhive/internal/sysmon"
	"taskhive/internal/worker"
)

// Config controls the scheduler daemon.
type Config struct {
	Enabled bool

	// MaxConcurrent bounds simultaneous worker runs across all types
	// (default 4).
	MaxConcurrent int

	// DefaultTimeout is the hard per-run timeout for workers that declare
	// none (default 5m).
	DefaultTimeout time.Duration

	// StartupSpread caps the random first-fire stagger (default 30s).
	StartupSpread time.Duration

	// Thresholds gate admission on host pressure. Zero disables.
	Thresholds sysmon.Thresholds

	Timezone string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.StartupSpread <= 0 {
		c.StartupSpread = defaultStartupSpread
	}
	return c
}

// WorkerEvent is the bus payload for daemon run events.
type WorkerEvent struct {
	WorkerType string `json:"workerType"`
	Mode       string `json:"mode,omitempty"`
	Outcome    string `json:"outcome,omitempty"` // success|failure
	DurationMs int64  `json:"durationMs,omitempty"`
	Error      string `json:"error,omitempty"`
	// Reason is set on deferrals: concurrency|cpu_load|low_memory.
	Reason string `json:"reason,omitempty"`
}

// WorkerStatus pairs a descriptor with its runtime state for Snapshot.
type WorkerStatus struct {
	Descriptor worker.Descriptor   `json:"descriptor"`
	State      worker.RuntimeState `json:"state"`
}

// stateDocKey is the storage document holding all runtime states.
const stateDocKey = "worker_state"
