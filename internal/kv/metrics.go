package kv

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/s3kv/s3kv/internal/backend"
)

// metricsOnce ensures metrics are only initialized once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of KV metrics.
var metricsInstance *Metrics

// Metrics holds Prometheus metrics for KV operations and the local cache.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec   // s3kv_operations_total{operation,status}
	OperationDuration *prometheus.HistogramVec // s3kv_operation_duration_seconds{operation}

	CacheHits      prometheus.Counter // s3kv_cache_hits_total
	CacheMisses    prometheus.Counter // s3kv_cache_misses_total
	CacheEvictions prometheus.Counter // s3kv_cache_evictions_total
}

// InitMetrics initializes all KV metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			OperationsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "s3kv_operations_total",
				Help: "Total KV operations by operation and status",
			}, []string{"operation", "status"}),

			OperationDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "s3kv_operation_duration_seconds",
				Help:    "KV operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			CacheHits: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "s3kv_cache_hits_total",
				Help: "Cached reads that found an entry",
			}),

			CacheMisses: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "s3kv_cache_misses_total",
				Help: "Cached reads that found no entry",
			}),

			CacheEvictions: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "s3kv_cache_evictions_total",
				Help: "Cache entries removed by TTL sweeps",
			}),
		}
	})

	return metricsInstance
}

// observe records one operation. Nil receivers are ignored.
func (m *Metrics) observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, classify(err)).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) evicted() {
	if m != nil {
		m.CacheEvictions.Inc()
	}
}

// classify converts an operation error to a metric status label.
func classify(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, backend.ErrNotFound):
		return "not_found"
	case errors.Is(err, backend.ErrAccessDenied):
		return "access_denied"
	default:
		return "error"
	}
}
