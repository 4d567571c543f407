// Package metrics holds the Prometheus collectors of the discovery service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Catalogue store metrics
	StoreOperationTotal    *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Result cache metrics
	CacheEventsTotal *prometheus.CounterVec
	CacheEntries     prometheus.Gauge

	// Source sync metrics
	SyncItemsTotal    *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
	FeedRequestsTotal *prometheus.CounterVec

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, registering it on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discovery_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		StoreOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_store_operations_total",
			Help: "Total number of catalogue store operations",
		}, []string{"operation", "status"}),

		StoreOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discovery_store_operation_duration_seconds",
			Help:    "Catalogue store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		CacheEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_cache_events_total",
			Help: "Result cache hits, misses, evictions and invalidations",
		}, []string{"event", "reason"}),

		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "discovery_cache_entries",
			Help: "Entries held by the result cache after the last write",
		}),

		SyncItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_sync_items_total",
			Help: "Provider items reconciled during sync",
		}, []string{"source", "outcome"}),

		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discovery_sync_duration_seconds",
			Help:    "Duration of one feed sync in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"source"}),

		FeedRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_feed_requests_total",
			Help: "HTTP requests sent to provider feeds",
		}, []string{"source", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.StoreOperationTotal)
	registerOrGet(m.StoreOperationDuration)
	registerOrGet(m.CacheEventsTotal)
	registerOrGet(m.CacheEntries)
	registerOrGet(m.SyncItemsTotal)
	registerOrGet(m.SyncDuration)
	registerOrGet(m.FeedRequestsTotal)
	registerOrGet(m.EventPublishTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// Status labels an outcome "ok" or "error".
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveStore records one catalogue store call. A nil receiver is a no-op.
func (m *Metrics) ObserveStore(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := Status(err)
	m.StoreOperationTotal.WithLabelValues(op, status).Inc()
	m.StoreOperationDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// ObserveSyncItem counts one reconciled provider item. Outcome is "created",
// "updated" or "error". A nil receiver is a no-op.
func (m *Metrics) ObserveSyncItem(source, outcome string) {
	if m == nil {
		return
	}
	m.SyncItemsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveEvent counts one publish attempt. A nil receiver is a no-op.
func (m *Metrics) ObserveEvent(eventType string, err error) {
	if m == nil {
		return
	}
	m.EventPublishTotal.WithLabelValues(eventType, Status(err)).Inc()
}
