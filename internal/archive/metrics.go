package archive

import "github.com/prometheus/client_golang/prometheus"

var (
	exportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genos_archive_exports_total",
			Help: "Total number of event batches exported to the object store.",
		},
	)

	eventsExportedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genos_archive_events_exported_total",
			Help: "Total number of events moved out of the registry.",
		},
	)

	exportErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genos_archive_export_errors_total",
			Help: "Total number of failed export runs.",
		},
	)
)

func init() {
	prometheus.MustRegister(exportsTotal)
	prometheus.MustRegister(eventsExportedTotal)
	prometheus.MustRegister(exportErrorsTotal)
}
