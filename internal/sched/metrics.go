package sched

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/willynikes2/GenOS/internal/model"
)

// Metric label values for admission outcomes.
const (
	outcomeAdmitted = "admitted"
	outcomeQueued   = "queued"
	outcomeRejected = "rejected"
)

var (
	admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genos_sched_admissions_total",
			Help: "Total number of admission attempts by outcome.",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genos_sched_queue_depth",
			Help: "Number of requests waiting for capacity, per priority class.",
		},
		[]string{"priority"},
	)

	queueWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "genos_sched_queue_wait_seconds",
			Help:    "Time requests spent in the wait queue before grant or expiry, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		},
	)

	reservationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "genos_pool_reservations_active",
			Help: "Number of active reservations across all hosts.",
		},
	)

	hostFree = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genos_pool_host_free",
			Help: "Free capacity per host and resource dimension.",
		},
		[]string{"host", "resource"},
	)
)

func init() {
	prometheus.MustRegister(admissionsTotal)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(queueWaitSeconds)
	prometheus.MustRegister(reservationsActive)
	prometheus.MustRegister(hostFree)

	// Pre-initialize label combinations so they appear in /metrics with value
	// 0 from startup, rather than only after first observation.
	for _, outcome := range []string{outcomeAdmitted, outcomeQueued, outcomeRejected} {
		admissionsTotal.WithLabelValues(outcome)
	}
	for _, class := range []string{model.PriorityHigh, model.PriorityNormal, model.PriorityLow} {
		queueDepth.WithLabelValues(class)
	}
}

// updateHostGauges publishes a host's free capacity. Callers hold the pool lock.
func updateHostGauges(h *hostState) {
	hostFree.WithLabelValues(h.name, "cpu").Set(float64(h.free.cpu))
	hostFree.WithLabelValues(h.name, "memory_mb").Set(float64(h.free.mem))
	hostFree.WithLabelValues(h.name, "disk_gb").Set(float64(h.free.disk))
	hostFree.WithLabelValues(h.name, "gpus").Set(float64(h.free.gpu))
}
