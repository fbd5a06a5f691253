package bus

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	subscribersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "genos_bus_subscribers_active",
		Help: "Number of active event subscriptions.",
	})

	eventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "genos_bus_events_published_total",
		Help: "Total number of events published to the bus.",
	})

	eventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "genos_bus_events_delivered_total",
		Help: "Total number of events delivered to subscribers.",
	})
)

func init() {
	prometheus.MustRegister(subscribersActive, eventsPublished, eventsDelivered)
}
