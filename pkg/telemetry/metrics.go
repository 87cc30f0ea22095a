package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskservice"

var (
	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APITasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "tasks_created_total",
		Help:      "Total tasks created through the API, labelled by priority.",
	}, []string{"priority"})

	APITasksCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "tasks_cancelled_total",
		Help:      "Total tasks cancelled through the API.",
	})

	APIRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Total create requests rejected by the rate limiter.",
	}, []string{"priority"})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherTasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "tasks_dispatched_total",
		Help:      "Total tasks published and marked PENDING, labelled by priority.",
	}, []string{"priority"})

	DispatcherFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "dispatch_failures_total",
		Help:      "Total dispatch failures, labelled by the stage that failed (publish or status).",
	}, []string{"stage"})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total messages settled, labelled by outcome (completed, failed, skipped, rejected, requeued).",
	}, []string{"outcome"})

	WorkerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Task body execution time in seconds, labelled by priority.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"priority"})

	WorkerRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "rejected_total",
		Help:      "Total messages dead-lettered, labelled by reason.",
	}, []string{"reason"})

	WorkerAckFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "ack_failures_total",
		Help:      "Total acknowledgements that failed after the task was settled.",
	})

	WorkerRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "requeued_total",
		Help:      "Total messages returned to their queue after a transient failure.",
	})

	// ─── Auditor ─────────────────────────────────────────────────────────────────

	AuditorStaleTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "auditor",
		Name:      "tasks_stale",
		Help:      "Tasks found stuck in a non-terminal status at the last audit, labelled by status.",
	}, []string{"status"})

	AuditorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auditor",
		Name:      "runs_total",
		Help:      "Total audit runs, labelled by result (ok, error, skipped).",
	}, []string{"result"})
)
