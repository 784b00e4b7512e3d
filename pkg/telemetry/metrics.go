package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Daemon ──────────────────────────────────────────────────────────────────

	DaemonRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskhive",
		Subsystem: "daemon",
		Name:      "runs_total",
		Help:      "Completed worker runs, labelled by worker type and outcome.",
	}, []string{"worker_type", "outcome"})

	DaemonDeferredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskhive",
		Subsystem: "daemon",
		Name:      "deferred_total",
		Help:      "Runs deferred by admission control, labelled by reason.",
	}, []string{"worker_type", "reason"})

	DaemonRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskhive",
		Subsystem: "daemon",
		Name:      "running",
		Help:      "Worker runs currently executing.",
	})

	DaemonRunDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskhive",
		Subsystem: "daemon",
		Name:      "run_duration_seconds",
		Help:      "Worker run wall time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"worker_type"})

	// ─── Queue ───────────────────────────────────────────────────────────────────

	QueueTasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskhive",
		Subsystem: "queue",
		Name:      "tasks_enqueued_total",
		Help:      "Tasks accepted by the queue.",
	}, []string{"worker_type", "priority"})

	QueueTasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskhive",
		Subsystem: "queue",
		Name:      "tasks_completed_total",
		Help:      "Tasks finished, labelled by terminal status.",
	}, []string{"worker_type", "status"})

	QueueRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskhive",
		Subsystem: "queue",
		Name:      "retries_total",
		Help:      "Re-enqueues after failure.",
	}, []string{"worker_type"})

	QueueDeadLetterTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskhive",
		Subsystem: "queue",
		Name:      "dead_letter_total",
		Help:      "Tasks moved to the dead-letter queue.",
	}, []string{"worker_type"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskhive",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Pending tasks per worker type.",
	}, []string{"worker_type"})

	// ─── Resilience ──────────────────────────────────────────────────────────────

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskhive",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit state per breaker: 0=closed, 1=open, 2=half-open.",
	}, []string{"name"})

	// ─── Claims ──────────────────────────────────────────────────────────────────

	ClaimsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskhive",
		Subsystem: "claims",
		Name:      "active",
		Help:      "Claims currently held.",
	})

	ClaimsStolenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskhive",
		Subsystem: "claims",
		Name:      "stolen_total",
		Help:      "Ownership transfers via work stealing.",
	})
)
