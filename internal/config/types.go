package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Daemon controls the scheduled-worker loop.
	Daemon DaemonConfig `json:"daemon"`

	// Queue controls the distributed task queue.
	Queue QueueConfig `json:"queue"`

	// Claims controls the work-claim coordination service.
	Claims ClaimsConfig `json:"claims"`

	// Resilience sets process-wide defaults for retry, breaker, bulkhead
	// and rate limiting. Zero values fall back to built-in defaults.
	Resilience ResilienceConfig `json:"resilience,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Redis   *RedisConfig   `json:"redis,omitempty"`
	Metrics MetricsConfig  `json:"metrics,omitempty"`

	Strategies StrategiesConfig `json:"strategies,omitempty"`

	// Workers declares the scheduled worker types keyed by type name.
	Workers map[string]WorkerConfigRaw `json:"workers"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DaemonConfig controls the scheduler daemon.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type DaemonConfig struct {
	Enabled bool `json:"enabled"`

	// MaxConcurrent bounds simultaneous worker runs (default 4).
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// DefaultTimeout is the hard per-run timeout when a worker declares none.
	// Default "5m".
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// StartupSpread caps the random first-fire stagger (default "30s").
	StartupSpread string `json:"startup_spread,omitempty"`

	// MaxLoadPerCore defers runs when load1/cores exceeds it. 0 disables.
	MaxLoadPerCore float64 `json:"max_load_per_core,omitempty"`
	// MinFreeMemoryPct defers runs when free memory drops below it. 0 disables.
	MinFreeMemoryPct float64 `json:"min_free_memory_pct,omitempty"`

	Timezone string `json:"timezone,omitempty"`
}

// QueueConfig controls the task queue service and its in-process runner.
type QueueConfig struct {
	Enabled bool `json:"enabled"`

	// Backend is "memory" (default) or "redis".
	Backend string `json:"backend,omitempty"`

	MaxRetries     int    `json:"max_retries,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	ResultTTL      string `json:"result_ttl,omitempty"`
	DeadLetter     bool   `json:"dead_letter"`

	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	WorkerTTL         string `json:"worker_ttl,omitempty"`
	PollInterval      string `json:"poll_interval,omitempty"`
	ShutdownGrace     string `json:"shutdown_grace,omitempty"`

	// Runner describes the consumer embedded in this process. Empty
	// worker_types means consume every type declared under workers.
	Runner QueueRunnerConfig `json:"runner,omitempty"`
}

type QueueRunnerConfig struct {
	WorkerTypes   []string `json:"worker_types,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
}

// ClaimsConfig controls work-claim coordination.
type ClaimsConfig struct {
	Enabled bool `json:"enabled"`

	// StaleAfter marks claims with no progress update as stealable.
	// Default "30m".
	StaleAfter string `json:"stale_after,omitempty"`

	// RebalanceInterval is how often load suggestions are recomputed.
	// "0s" disables the background pass.
	RebalanceInterval string `json:"rebalance_interval,omitempty"`

	// StealAllowTypes lets the named agent types steal across type
	// boundaries. Empty means same-type stealing only.
	StealAllowTypes []string `json:"steal_allow_types,omitempty"`
}

// ResilienceConfig tunes the guards around subprocess strategies (retry,
// breaker, rate_limit) and the bulkhead isolating queue task execution.
// Zero values fall back to built-in defaults.
type ResilienceConfig struct {
	Retry     RetryConfig     `json:"retry,omitempty"`
	Breaker   BreakerConfig   `json:"breaker,omitempty"`
	Bulkhead  BulkheadConfig  `json:"bulkhead,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

type RetryConfig struct {
	MaxAttempts  int     `json:"max_attempts,omitempty"`
	InitialDelay string  `json:"initial_delay,omitempty"`
	MaxDelay     string  `json:"max_delay,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
	JitterFactor float64 `json:"jitter_factor,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	SuccessThreshold int    `json:"success_threshold,omitempty"`
	VolumeThreshold  int    `json:"volume_threshold,omitempty"`
	Window           string `json:"window,omitempty"`
	Timeout          string `json:"timeout,omitempty"`
}

type BulkheadConfig struct {
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	MaxQueue      int    `json:"max_queue,omitempty"`
	QueueTimeout  string `json:"queue_timeout,omitempty"`
}

// RateLimitConfig caps strategy invocations per window. MaxRequests 0 turns
// the limiter off. With a redis connection the window is shared across
// processes; otherwise each process gets a local token bucket.
type RateLimitConfig struct {
	MaxRequests int    `json:"max_requests,omitempty"`
	Window      string `json:"window,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./taskhive_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9090"
}

// StrategiesConfig configures how worker runs execute.
type StrategiesConfig struct {
	// Default mode when a worker declares none: local|headless|container.
	Default   string          `json:"default,omitempty"`
	Headless  HeadlessConfig  `json:"headless,omitempty"`
	Container ContainerConfig `json:"container,omitempty"`
}

type HeadlessConfig struct {
	Command        string `json:"command,omitempty"`
	Model          string `json:"model,omitempty"`
	Sandbox        bool   `json:"sandbox,omitempty"`
	PromptTemplate string `json:"prompt_template,omitempty"`
}

type ContainerConfig struct {
	Runtime     string `json:"runtime,omitempty"`
	Image       string `json:"image,omitempty"`
	MemoryLimit string `json:"memory_limit,omitempty"`
	CPULimit    string `json:"cpu_limit,omitempty"`
}

// WorkerConfigRaw declares one scheduled worker type.
type WorkerConfigRaw struct {
	Enabled bool `json:"enabled"`

	// Interval is a Go duration string between scheduled runs.
	Interval string `json:"interval"`

	Priority    string `json:"priority,omitempty"` // low|normal|high|critical
	Mode        string `json:"mode,omitempty"`     // local|headless|container
	Timeout     string `json:"timeout,omitempty"`
	Description string `json:"description,omitempty"`

	// Payload is passed verbatim to the execution strategy.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in worker blocks are caught
// at load time rather than silently ignored.
func (w *WorkerConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled     bool            `json:"enabled"`
		Interval    string          `json:"interval"`
		Priority    string          `json:"priority,omitempty"`
		Mode        string          `json:"mode,omitempty"`
		Timeout     string          `json:"timeout,omitempty"`
		Description string          `json:"description,omitempty"`
		Payload     json.RawMessage `json:"payload,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*w = WorkerConfigRaw(t)
	return nil
}

// Validate checks cross-field constraints and every duration string. It is
// installed as the manager's default validator so hot reloads cannot commit
// a config the services would reject.
func (c *Config) Validate() error {
	durations := map[string]string{
		"daemon.default_timeout": c.Daemon.DefaultTimeout,
		"daemon.startup_spread":  c.Daemon.StartupSpread,

		"queue.default_timeout":    c.Queue.DefaultTimeout,
		"queue.result_ttl":         c.Queue.ResultTTL,
		"queue.heartbeat_interval": c.Queue.HeartbeatInterval,
		"queue.worker_ttl":         c.Queue.WorkerTTL,
		"queue.poll_interval":      c.Queue.PollInterval,
		"queue.shutdown_grace":     c.Queue.ShutdownGrace,

		"claims.stale_after":        c.Claims.StaleAfter,
		"claims.rebalance_interval": c.Claims.RebalanceInterval,

		"resilience.retry.initial_delay":    c.Resilience.Retry.InitialDelay,
		"resilience.retry.max_delay":        c.Resilience.Retry.MaxDelay,
		"resilience.breaker.window":         c.Resilience.Breaker.Window,
		"resilience.breaker.timeout":        c.Resilience.Breaker.Timeout,
		"resilience.bulkhead.queue_timeout": c.Resilience.Bulkhead.QueueTimeout,
		"resilience.rate_limit.window":      c.Resilience.RateLimit.Window,
	}
	if c.Storage != nil {
		durations["storage.busy_timeout"] = c.Storage.BusyTimeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if b := strings.TrimSpace(c.Queue.Backend); b != "" && b != "memory" && b != "redis" {
		return fmt.Errorf("queue.backend: unknown backend %q", c.Queue.Backend)
	}
	if strings.TrimSpace(c.Queue.Backend) == "redis" && (c.Redis == nil || strings.TrimSpace(c.Redis.Addr) == "") {
		return fmt.Errorf("queue.backend: redis backend requires redis.addr")
	}

	for name, w := range c.Workers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("workers: empty worker type name")
		}
		if _, err := ParseDurationField("workers."+name+".interval", w.Interval); err != nil {
			return err
		}
		if w.Enabled && strings.TrimSpace(w.Interval) == "" {
			return fmt.Errorf("workers.%s: enabled worker needs an interval", name)
		}
		if _, err := ParseDurationField("workers."+name+".timeout", w.Timeout); err != nil {
			return err
		}
		switch strings.TrimSpace(w.Mode) {
		case "", "local", "headless", "container":
		default:
			return fmt.Errorf("workers.%s: unknown mode %q", name, w.Mode)
		}
		switch strings.TrimSpace(w.Priority) {
		case "", "low", "normal", "high", "critical":
		default:
			return fmt.Errorf("workers.%s: unknown priority %q", name, w.Priority)
		}
	}
	return nil
}
