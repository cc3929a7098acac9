package ecs

import "github.com/prometheus/client_golang/prometheus"

var (
	runTaskFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_ecs_run_task_failures_total",
			Help: "Total number of per-item failures reported by RunTask, by reason.",
		},
		[]string{"reason"},
	)

	placementDiscoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_ecs_placement_discoveries_total",
			Help: "Total number of network placement discoveries from task metadata.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(runTaskFailuresTotal)
	prometheus.MustRegister(placementDiscoveriesTotal)
}
