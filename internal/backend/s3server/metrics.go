package s3server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures metrics are only initialized once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of server metrics.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics for the S3 server.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec   // s3kv_server_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // s3kv_server_request_duration_seconds{operation}

	BytesUploaded   prometheus.Counter // s3kv_server_bytes_uploaded_total
	BytesDownloaded prometheus.Counter // s3kv_server_bytes_downloaded_total
}

// InitMetrics initializes all server metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "s3kv_server_requests_total",
				Help: "Total S3 requests by operation and status",
			}, []string{"operation", "status"}),

			RequestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "s3kv_server_request_duration_seconds",
				Help:    "S3 request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			BytesUploaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "s3kv_server_bytes_uploaded_total",
				Help: "Total bytes uploaded",
			}),

			BytesDownloaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "s3kv_server_bytes_downloaded_total",
				Help: "Total bytes downloaded",
			}),
		}
	})

	return metricsInstance
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(operation string, status string, durationSeconds float64) {
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordUpload records bytes uploaded.
func (m *Metrics) RecordUpload(bytes int64) {
	m.BytesUploaded.Add(float64(bytes))
}

// RecordDownload records bytes downloaded.
func (m *Metrics) RecordDownload(bytes int64) {
	m.BytesDownloaded.Add(float64(bytes))
}
