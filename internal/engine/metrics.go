package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/willynikes2/GenOS/internal/model"
)

var (
	submissionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genos_engine_submissions_total",
			Help: "Total number of environment submissions that passed validation.",
		},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genos_engine_transitions_total",
			Help: "Total number of committed state transitions, by target state.",
		},
		[]string{"to"},
	)

	provisionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "genos_engine_provision_seconds",
			Help:    "Time from capacity grant to the running transition, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	provisionRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genos_engine_provision_retries_total",
			Help: "Total number of retried provisioning attempts.",
		},
	)

	cleanupRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genos_engine_cleanup_retries_total",
			Help: "Total number of background teardown retries after a failed termination.",
		},
	)

	tasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "genos_engine_tasks_in_flight",
			Help: "Number of running provisioning and cleanup tasks.",
		},
	)
)

func init() {
	prometheus.MustRegister(submissionsTotal)
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(provisionSeconds)
	prometheus.MustRegister(provisionRetriesTotal)
	prometheus.MustRegister(cleanupRetriesTotal)
	prometheus.MustRegister(tasksInFlight)

	// Pre-initialize label combinations so they appear in /metrics with value
	// 0 from startup, rather than only after first observation.
	for _, state := range []string{
		model.StateQueued, model.StateProvisioning, model.StateRunning,
		model.StateSuspended, model.StateTerminating, model.StateTerminated,
		model.StateFailed,
	} {
		transitionsTotal.WithLabelValues(state)
	}
}
