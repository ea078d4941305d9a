// Package metrics provides Prometheus metrics for dossier-cache.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_cache_hits_total",
			Help: "Total memory cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_cache_misses_total",
			Help: "Total memory cache misses",
		},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_cache_evictions_total",
			Help: "Total memory cache evictions by lane",
		},
		[]string{"lane"},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dossier_cache_entries",
			Help: "Number of entries held in the memory cache",
		},
	)

	cacheCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dossier_cache_capacity",
			Help: "Current dynamic capacity of the memory cache",
		},
	)

	memoryPressure = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dossier_memory_pressure_ratio",
			Help: "Last sampled memory pressure (0-1)",
		},
	)

	// Ingestion metrics
	IngestedFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_ingested_files_total",
			Help: "Files extracted from archives by size class",
		},
		[]string{"class"},
	)

	ingestedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_ingested_bytes_total",
			Help: "Uncompressed bytes extracted from archives",
		},
	)

	EntryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_entry_failures_total",
			Help: "Archive entries skipped because extraction failed",
		},
	)

	ingestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dossier_ingest_duration_seconds",
			Help:    "End-to-end archive ingestion duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"status"},
	)

	// Store metrics
	storeBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dossier_store_batch_write_seconds",
			Help:    "Duration of one file batch write transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	storedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_store_bytes_total",
			Help: "Bytes written to the object store, original vs stored",
		},
		[]string{"kind"},
	)

	// Preload metrics
	PreloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_preloads_total",
			Help: "Predictive preload attempts by outcome",
		},
		[]string{"status"},
	)

	// Request metrics
	DedupShared = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_requests_shared_total",
			Help: "Requests that joined an already scheduled or in-flight call",
		},
		[]string{"group"},
	)

	BackgroundTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_background_tasks_total",
			Help: "Background tasks by final status",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetCacheState records the current cache population and capacity.
func SetCacheState(entries, capacity int) {
	cacheEntries.Set(float64(entries))
	cacheCapacity.Set(float64(capacity))
}

// SetMemoryPressure records the last sampled pressure ratio.
func SetMemoryPressure(p float64) {
	memoryPressure.Set(p)
}

// RecordIngestedFile records one extracted file.
func RecordIngestedFile(class string, size int64) {
	IngestedFiles.WithLabelValues(class).Inc()
	ingestedBytes.Add(float64(size))
}

// RecordIngest records a finished ingestion.
func RecordIngest(duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	ingestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordBatchWrite records a file batch transaction.
func RecordBatchWrite(duration time.Duration, originalBytes, storedBytesN int64) {
	storeBatchDuration.Observe(duration.Seconds())
	storedBytes.WithLabelValues("original").Add(float64(originalBytes))
	storedBytes.WithLabelValues("stored").Add(float64(storedBytesN))
}

// RecordPreload records one preload attempt.
func RecordPreload(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	PreloadsTotal.WithLabelValues(status).Inc()
}
