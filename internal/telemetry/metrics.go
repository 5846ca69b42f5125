package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Lease attempt outcomes.
const (
	OutcomeClaimed = "claimed"
	OutcomeEmpty   = "empty"
	OutcomeError   = "error"
)

// Idle classes tracked by the worker.
const (
	IdleTasks        = "tasks"
	IdleDependencies = "dependencies"
)

var (
	// TasksTotal counts finished tasks by terminal status.
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_tasks_total",
			Help: "Total number of tasks executed, by terminal status.",
		},
		[]string{"status"},
	)

	// TaskDuration tracks wall-clock task execution time.
	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "convoy_task_duration_seconds",
			Help:    "Wall-clock task execution time in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	// LeaseAttempts counts queue polls by outcome.
	LeaseAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_lease_attempts_total",
			Help: "Total number of queue lease attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	// StagedBytes counts bytes fetched from the object store while staging inputs.
	StagedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convoy_staged_bytes_total",
			Help: "Total bytes downloaded from the object store while staging task inputs.",
		},
	)

	// DestagedBytes counts bytes pushed to the object store while destaging outputs.
	DestagedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convoy_destaged_bytes_total",
			Help: "Total bytes uploaded to the object store while destaging task outputs.",
		},
	)

	// IdleSeconds reports accumulated idle time per idle class since the last claim.
	IdleSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convoy_idle_seconds",
			Help: "Idle time accumulated since the last claimed task, by idle class.",
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		TaskDuration,
		LeaseAttempts,
		StagedBytes,
		DestagedBytes,
		IdleSeconds,
	)
}
