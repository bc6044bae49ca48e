// Package metrics holds the Prometheus collectors for the ingestion
// pipeline. Collectors register with the default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestionsTotal counts finished ingestion requests by outcome
	// (committed, accepted, failed, rolled_back).
	IngestionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataset_ingestions_total",
		Help: "Total number of ingestion requests by outcome",
	}, []string{"outcome"})

	StageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dataset_ingestion_stage_duration_seconds",
		Help:    "Time spent in each ingestion stage",
		Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage"})

	UploadedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataset_uploaded_bytes_total",
		Help: "Acknowledged artifact bytes by upload strategy",
	}, []string{"strategy"})

	UploadChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dataset_upload_chunks_total",
		Help: "Acknowledged chunks sent by the chunked upload path",
	})

	CompressionRatio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dataset_compression_ratio",
		Help:    "Compressed over original artifact size",
		Buckets: prometheus.LinearBuckets(0.05, 0.1, 10),
	})

	// CatalogRetriesTotal counts deferred catalog writes by outcome
	// (deferred, attempt_failed, succeeded, exhausted).
	CatalogRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataset_catalog_retries_total",
		Help: "Deferred catalog write events by outcome",
	}, []string{"outcome"})

	CompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataset_compensating_deletes_total",
		Help: "Compensating artifact deletes by result",
	}, []string{"result"})
)

// ObserveStage records how long a stage that began at start took.
func ObserveStage(stage string, start time.Time) {
	StageDurationSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
