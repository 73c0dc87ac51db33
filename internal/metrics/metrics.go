// Package metrics exposes the portal's Prometheus instrumentation
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "bucket_access_portal"

// Metrics holds the portal collectors. All Record/Observe methods are safe on a nil receiver.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RequestsInFlight   prometheus.Gauge
	AuthzDecisions     *prometheus.CounterVec
	RequestTransitions *prometheus.CounterVec
	StorageOpsTotal    *prometheus.CounterVec
	StorageOpDuration  *prometheus.HistogramVec
	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	CatalogSyncs       *prometheus.CounterVec
	CatalogAdded       prometheus.Counter
	AuthAttempts       *prometheus.CounterVec

	registry *prometheus.Registry
	denied   atomic.Int64
}

var (
	metricsOnce   sync.Once
	globalMetrics *Metrics
)

// NewMetrics creates the portal metrics (singleton to avoid duplicate registration).
// The namespace of the first call wins.
func NewMetrics(namespace string) *Metrics {
	metricsOnce.Do(func() {
		if namespace == "" {
			namespace = defaultNamespace
		}
		globalMetrics = newMetrics(namespace)
	})
	return globalMetrics
}

func newMetrics(namespace string) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests being served",
		}),
		AuthzDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_decisions_total",
			Help:      "Bucket access decisions by deciding rule and outcome",
		}, []string{"rule", "outcome"}),
		RequestTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_request_transitions_total",
			Help:      "Access request state transitions",
		}, []string{"status"}),
		StorageOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Calls to the object storage provider",
		}, []string{"operation", "result"}),
		StorageOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of object storage provider calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses",
		}, []string{"cache"}),
		CatalogSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_syncs_total",
			Help:      "Bucket catalog synchronizations",
		}, []string{"result"}),
		CatalogAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_buckets_added_total",
			Help:      "Buckets added to the catalog by synchronization",
		}),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by method and result",
		}, []string{"method", "result"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.AuthzDecisions,
		m.RequestTransitions,
		m.StorageOpsTotal,
		m.StorageOpDuration,
		m.CacheHits,
		m.CacheMisses,
		m.CatalogSyncs,
		m.CatalogAdded,
		m.AuthAttempts,
	)
	return m
}

// Handler serves the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records a served HTTP request
func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncInFlight marks a request as started
func (m *Metrics) IncInFlight() {
	if m == nil {
		return
	}
	m.RequestsInFlight.Inc()
}

// DecInFlight marks a request as finished
func (m *Metrics) DecInFlight() {
	if m == nil {
		return
	}
	m.RequestsInFlight.Dec()
}

// RecordDecision records a bucket access decision
func (m *Metrics) RecordDecision(rule string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
		m.denied.Add(1)
	}
	m.AuthzDecisions.WithLabelValues(rule, outcome).Inc()
}

// DeniedDecisions returns the number of denied bucket access decisions since start
func (m *Metrics) DeniedDecisions() int64 {
	if m == nil {
		return 0
	}
	return m.denied.Load()
}

// RecordTransition records an access request entering status
func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.RequestTransitions.WithLabelValues(status).Inc()
}

// ObserveStorageOp records a storage provider call
func (m *Metrics) ObserveStorageOp(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.StorageOpsTotal.WithLabelValues(operation, result).Inc()
	m.StorageOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncCacheHit records a cache hit
func (m *Metrics) IncCacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cache).Inc()
}

// IncCacheMiss records a cache miss
func (m *Metrics) IncCacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cache).Inc()
}

// RecordCatalogSync records a registry synchronization
func (m *Metrics) RecordCatalogSync(added int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.CatalogSyncs.WithLabelValues("error").Inc()
		return
	}
	m.CatalogSyncs.WithLabelValues("success").Inc()
	m.CatalogAdded.Add(float64(added))
}

// RecordAuthAttempt records an authentication attempt
func (m *Metrics) RecordAuthAttempt(method, result string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(method, result).Inc()
}
