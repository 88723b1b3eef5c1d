package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	searchDuration    prometheus.Histogram
	writeDuration     prometheus.Histogram
	memoryEntries     prometheus.Gauge
	embeddingRequests *prometheus.CounterVec

	syncCycleTotal    *prometheus.CounterVec
	syncCycleDuration prometheus.Histogram

	registry *prometheus.Registry
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			searchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_search_duration_seconds",
					Help:    "Hybrid search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			writeDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_write_duration_seconds",
					Help:    "Memory write (add/update/delete/import) duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryEntries: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_entries_total",
					Help: "Current number of stored memories.",
				},
			),
			embeddingRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "embedding_requests_total",
					Help: "Embedding batch requests by status.",
				},
				[]string{"status"},
			),
			syncCycleTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sync_cycles_total",
					Help: "Sync cycles by outcome.",
				},
				[]string{"status"},
			),
			syncCycleDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "sync_cycle_duration_seconds",
					Help:    "Full pull/push sync cycle duration in seconds.",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
			),
		}

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			m.searchDuration,
			m.writeDuration,
			m.memoryEntries,
			m.embeddingRequests,
			m.syncCycleTotal,
			m.syncCycleDuration,
		)
		m.registry = registry

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered forces metric registration at component construction time.
func EnsureRegistered() {
	getMetrics()
}

// RecordMemorySearch records the duration of a hybrid search.
func RecordMemorySearch(d time.Duration) {
	getMetrics().searchDuration.Observe(d.Seconds())
}

// RecordMemoryWrite records the duration of a store mutation.
func RecordMemoryWrite(d time.Duration) {
	getMetrics().writeDuration.Observe(d.Seconds())
}

// SetMemoryEntries sets the current memory count gauge.
func SetMemoryEntries(n int) {
	getMetrics().memoryEntries.Set(float64(n))
}

// RecordEmbeddingRequest counts one embedding batch call by status
// ("ok", "retry", "failed").
func RecordEmbeddingRequest(status string) {
	getMetrics().embeddingRequests.WithLabelValues(status).Inc()
}

// RecordSyncCycle records one sync cycle with its outcome ("ok", "error").
func RecordSyncCycle(status string, d time.Duration) {
	m := getMetrics()
	m.syncCycleTotal.WithLabelValues(status).Inc()
	m.syncCycleDuration.Observe(d.Seconds())
}

// MetricsHandler returns an http.Handler serving the module registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(getMetrics().registry, promhttp.HandlerOpts{})
}
