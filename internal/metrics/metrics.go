// Package metrics provides Prometheus metrics for the sync engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Queue label values.
const (
	QueueOperations = "operations"
	QueueUploads    = "uploads"
)

var (
	// Record pipeline
	operationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_operations_enqueued_total",
			Help: "Total number of record operations queued for later delivery",
		},
		[]string{"category"},
	)

	operationsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_operations_applied_total",
			Help: "Total number of record operations applied to the remote store",
		},
		[]string{"kind"},
	)

	operationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_operation_failures_total",
			Help: "Total number of failed delivery attempts by failure class",
		},
		[]string{"queue", "class"},
	)

	conflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_conflicts_total",
			Help: "Total number of detected conflicts by decision",
		},
		[]string{"decision"},
	)

	// Upload pipeline
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_uploads_total",
			Help: "Total number of asset upload attempts",
		},
		[]string{"result"},
	)

	uploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_upload_bytes_total",
			Help: "Total bytes uploaded to the asset backend",
		},
	)

	folderLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_folder_cache_lookups_total",
			Help: "Folder cache lookups by result",
		},
		[]string{"result"},
	)

	// Engine state
	pendingItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fieldsync_pending_items",
			Help: "Number of items held in a queue, terminal ones included",
		},
		[]string{"queue"},
	)

	connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldsync_connected",
			Help: "1 when the remote store is reachable",
		},
	)

	drainDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldsync_drain_duration_seconds",
			Help:    "Queue drain duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// HTTP server
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_http_requests_total",
			Help: "Total number of HTTP requests to the status server",
		},
		[]string{"method", "path", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordEnqueued records an operation entering the durable queue.
func RecordEnqueued(category string) {
	operationsEnqueued.WithLabelValues(category).Inc()
}

// RecordApplied records an operation applied remotely.
func RecordApplied(kind string) {
	operationsApplied.WithLabelValues(kind).Inc()
}

// RecordFailure records a failed attempt.
func RecordFailure(queue, class string) {
	operationFailures.WithLabelValues(queue, class).Inc()
}

// RecordConflict records a resolved conflict.
func RecordConflict(decision string) {
	conflictsTotal.WithLabelValues(decision).Inc()
}

// RecordUpload records an upload attempt.
func RecordUpload(bytes int, success bool) {
	result := "success"
	if !success {
		result = "error"
	} else {
		uploadBytes.Add(float64(bytes))
	}
	uploadsTotal.WithLabelValues(result).Inc()
}

// RecordFolderLookup records a folder cache hit or miss.
func RecordFolderLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	folderLookups.WithLabelValues(result).Inc()
}

// SetPending sets the pending gauge for queue.
func SetPending(queue string, n int) {
	pendingItems.WithLabelValues(queue).Set(float64(n))
}

// SetConnected sets the connectivity gauge.
func SetConnected(up bool) {
	if up {
		connected.Set(1)
		return
	}
	connected.Set(0)
}

// RecordDrain records a drain duration.
func RecordDrain(queue string, duration time.Duration) {
	drainDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
	})
}
