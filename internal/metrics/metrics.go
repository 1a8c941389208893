// Package metrics exposes Prometheus instruments for the background sweeps
// and the retrieval path. Registration is on the default registry; hosts that
// do not scrape simply pay for a few counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IndexSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memory_index_sweeps_total",
		Help: "Completed index sweeps by kind.",
	}, []string{"kind"})

	IndexRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memory_index_records_total",
		Help: "Records handled by index sweeps, by kind and outcome.",
	}, []string{"kind", "outcome"})

	RetentionScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memory_retention_scanned_total",
		Help: "Records examined by the retention sweep.",
	})

	RetentionArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memory_retention_archived_total",
		Help: "Records archived by the retention sweep.",
	})

	RetrievalRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memory_retrieval_requests_total",
		Help: "Retrieval calls served.",
	})

	RetrievalRecords = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "memory_retrieval_records",
		Help:    "Records packed into one retrieval addon.",
		Buckets: prometheus.LinearBuckets(0, 2, 10),
	})
)

// ObserveSweep records one sweep's per-record outcomes.
func ObserveSweep(kind string, updated, skipped, failed int) {
	IndexSweeps.WithLabelValues(kind).Inc()
	IndexRecords.WithLabelValues(kind, "updated").Add(float64(updated))
	IndexRecords.WithLabelValues(kind, "skipped").Add(float64(skipped))
	IndexRecords.WithLabelValues(kind, "failed").Add(float64(failed))
}
