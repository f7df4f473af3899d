// Package metrics provides Prometheus metrics for the catalog daemon.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objcat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objcat_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Remote store metrics
	remoteOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objcat_remote_operation_duration_seconds",
			Help:    "Remote object store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "success"},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "objcat_remote_bytes_uploaded_total",
			Help: "Total bytes uploaded to the remote store",
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "objcat_remote_bytes_downloaded_total",
			Help: "Total bytes downloaded from the remote store",
		},
	)

	// Sync metrics
	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "objcat_sync_duration_seconds",
			Help:    "Full catalog sync duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	syncRowsUpserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "objcat_sync_rows_upserted_total",
			Help: "Catalog rows inserted or refreshed by sync runs",
		},
	)

	syncRowsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "objcat_sync_rows_evicted_total",
			Help: "Stale catalog rows evicted by sync runs",
		},
	)

	// Catalog metrics
	catalogSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "objcat_catalog_entries",
			Help: "Number of catalog entries per connection",
		},
		[]string{"connection"},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objcat_db_query_duration_seconds",
			Help:    "Catalog index query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// Event stream metrics
	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "objcat_event_subscribers",
			Help: "Active progress event subscribers",
		},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objcat_events_published_total",
			Help: "Progress events published",
		},
		[]string{"type"},
	)
)

// RecordHTTPRequest records an HTTP request with its outcome.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRemoteOperation records a remote store operation.
func RecordRemoteOperation(op string, duration time.Duration, success bool) {
	remoteOpDuration.WithLabelValues(op, strconv.FormatBool(success)).Observe(duration.Seconds())
}

// RecordBytesUploaded adds to the upload byte counter.
func RecordBytesUploaded(n int64) {
	if n > 0 {
		bytesUploaded.Add(float64(n))
	}
}

// RecordBytesDownloaded adds to the download byte counter.
func RecordBytesDownloaded(n int64) {
	if n > 0 {
		bytesDownloaded.Add(float64(n))
	}
}

// RecordSync records a completed sync run.
func RecordSync(duration time.Duration, upserted, evicted int64) {
	syncDuration.Observe(duration.Seconds())
	syncRowsUpserted.Add(float64(upserted))
	syncRowsEvicted.Add(float64(evicted))
}

// SetCatalogSize sets the entry count gauge for a connection.
func SetCatalogSize(connectionID int64, n int64) {
	catalogSize.WithLabelValues(strconv.FormatInt(connectionID, 10)).Set(float64(n))
}

// RecordDBQuery records a catalog index query.
func RecordDBQuery(name string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// SetEventSubscribers sets the active subscriber gauge.
func SetEventSubscribers(n int64) {
	eventSubscribers.Set(float64(n))
}

// RecordEvent records a published progress event.
func RecordEvent(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so SSE streaming works through
// the middleware chain.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request counts and latency for every HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
