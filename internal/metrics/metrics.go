package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderunner_executions_total",
			Help: "Total number of code executions by exit class",
		},
		[]string{"language", "exit_class"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coderunner_execution_duration_ms",
			Help:    "Execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"language", "phase"}, // phase: "compile", "run", "total"
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderunner_queue_depth",
			Help: "Current number of jobs in the queue",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderunner_active_workers",
			Help: "Number of workers currently processing jobs",
		},
	)

	ContainerCreationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coderunner_container_creation_ms",
			Help:    "Time to create and start a container",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000},
		},
	)

	CleanupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderunner_cleanup_failures_total",
			Help: "Teardown steps that failed, by step",
		},
		[]string{"step"}, // step: "stop", "remove", "workspace"
	)

	ReapedResources = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderunner_reaped_total",
			Help: "Leftover containers and workspace files removed at startup",
		},
		[]string{"kind"},
	)

	InfraErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coderunner_infra_errors_total",
			Help: "Executions that failed because the container runtime failed",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coderunner_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
