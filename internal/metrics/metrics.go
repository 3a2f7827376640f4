package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionbox_executions_total",
			Help: "Total number of code executions by outcome",
		},
		[]string{"status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionbox_execution_duration_ms",
			Help:    "Execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"phase"}, // phase: "acquire", "run", "list", "total"
	)

	ExecutionRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionbox_execution_retries_total",
			Help: "Executions retried on a fresh environment after the old one disappeared",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionbox_active_sessions",
			Help: "Number of identities with a live environment",
		},
	)

	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionbox_sessions_created_total",
			Help: "Total number of environments provisioned",
		},
	)

	SessionsRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionbox_sessions_removed_total",
			Help: "Total number of sessions removed, by reason",
		},
		[]string{"reason"}, // reclaimed, purged, ended, shutdown
	)

	DestroyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionbox_destroy_failures_total",
			Help: "Environments whose teardown failed",
		},
	)

	ContainerCreationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessionbox_container_creation_ms",
			Help:    "Time to create and start an environment",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000},
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessionbox_sweep_duration_seconds",
			Help:    "Duration of one reclamation sweep",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionbox_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
