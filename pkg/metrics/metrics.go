// Package metrics exports the management core's Prometheus metrics:
// operations in flight by kind, depot-mapping scan throughput, bytes
// attributed by cache outcome, and job duration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsRunning tracks live (non-terminal) operations by kind.
	OperationsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cachectl_operations_running",
			Help: "Number of non-terminal operations, by kind",
		},
		[]string{"kind"},
	)

	// OperationsByStatus is a registry snapshot of retained records by
	// kind and status, refreshed by the Collector.
	OperationsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cachectl_operations_by_status",
			Help: "Retained operation records, by kind and status",
		},
		[]string{"kind", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cachectl_job_duration_seconds",
			Help:    "Job runner duration in seconds, by kind",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
		},
		[]string{"kind"},
	)

	// DepotMappingsFound tracks the running count of mappings
	// discovered during the in-flight scan.
	DepotMappingsFound = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cachectl_depot_mappings_found",
			Help: "Depot mappings found by the most recent scan",
		},
	)

	ScanBatchesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cachectl_scan_batches_processed_total",
			Help: "Total depot-mapping scan batches processed",
		},
	)

	BytesAttributed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachectl_bytes_attributed_total",
			Help: "Bytes attributed to downloads, by outcome (hit/miss)",
		},
		[]string{"outcome"},
	)

	CatalogReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cachectl_catalog_reconnects_total",
			Help: "Total reconnect attempts against the external catalog",
		},
	)

	CatalogSessionReplacedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cachectl_catalog_session_replaced_total",
			Help: "Total session-replacement events observed",
		},
	)

	PushBusSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cachectl_push_bus_subscribers",
			Help: "Currently connected push-bus subscribers",
		},
	)

	// PushBusDroppedEvents mirrors the bus's own running drop counter,
	// refreshed by the Collector.
	PushBusDroppedEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cachectl_push_bus_dropped_events",
			Help: "Events dropped so far because a subscriber's buffer was full",
		},
	)

	StateSaveFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cachectl_state_save_failures_total",
			Help: "Total state-store persist failures observed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OperationsRunning,
		OperationsByStatus,
		JobDuration,
		DepotMappingsFound,
		ScanBatchesProcessed,
		BytesAttributed,
		CatalogReconnectsTotal,
		CatalogSessionReplacedTotal,
		PushBusSubscribers,
		PushBusDroppedEvents,
		StateSaveFailuresTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
