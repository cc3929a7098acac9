package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	launchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_launches_total",
			Help: "Total number of launch attempts by outcome.",
		},
		[]string{"backend", "granularity", "outcome"},
	)

	healthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_health_checks_total",
			Help: "Total number of health checks by observed resource status.",
		},
		[]string{"backend", "status"},
	)

	terminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_terminations_total",
			Help: "Total number of terminate calls by outcome.",
		},
		[]string{"backend", "outcome"},
	)

	bestEffortFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_best_effort_failures_total",
			Help: "Total number of swallowed best-effort operation failures.",
		},
		[]string{"operation"},
	)

	backendCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stevedore_backend_call_seconds",
			Help:    "Backend call duration in seconds, retries included.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)
)

func init() {
	prometheus.MustRegister(launchesTotal)
	prometheus.MustRegister(healthChecksTotal)
	prometheus.MustRegister(terminationsTotal)
	prometheus.MustRegister(bestEffortFailuresTotal)
	prometheus.MustRegister(backendCallSeconds)
}

// Outcome label values.
const (
	outcomeLaunched     = "launched"
	outcomeFailed       = "failed"
	outcomeError        = "error"
	outcomeStopped      = "stopped"
	outcomeSkipped      = "skipped"
	outcomeUncorrelated = "uncorrelated"
)
