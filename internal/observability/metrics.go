package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/ledgerly/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	operationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments of the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Record and approval operations
	OperationsTotal         *prometheus.CounterVec
	OperationDuration       *prometheus.HistogramVec
	VersionConflictsTotal   *prometheus.CounterVec
	ValidationFailuresTotal *prometheus.CounterVec

	// Real-time distribution
	RealtimeSubscribers *prometheus.GaugeVec
	RealtimeEventsTotal *prometheus.CounterVec

	// Cache metrics
	PermissionCacheHitsTotal   prometheus.Counter
	PermissionCacheMissesTotal prometheus.Counter

	// System metrics
	EntityReloadTotal    *prometheus.CounterVec
	EntitiesLoaded       prometheus.Gauge
	ArchivedEntriesTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerly_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerly_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerly_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerly_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Operations
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerly_operations_total",
			Help: "Total number of record and approval operations by outcome.",
		}, []string{"module", "entity", "operation", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerly_operation_duration_seconds",
			Help:    "Record and approval operation duration in seconds.",
			Buckets: operationDurationBuckets,
		}, []string{"operation"}),
		VersionConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerly_version_conflicts_total",
			Help: "Total number of updates rejected with a version conflict.",
		}, []string{"module", "entity"}),
		ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerly_validation_failures_total",
			Help: "Total number of operations rejected by field validation.",
		}, []string{"module", "entity"}),

		// Real-time
		RealtimeSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledgerly_realtime_subscribers",
			Help: "Number of subscriptions per room.",
		}, []string{"room"}),
		RealtimeEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerly_realtime_events_total",
			Help: "Total number of real-time event deliveries by result.",
		}, []string{"kind", "result"}),

		// Cache
		PermissionCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerly_permission_cache_hits_total",
			Help: "Total permission cache hits.",
		}),
		PermissionCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerly_permission_cache_misses_total",
			Help: "Total permission cache misses.",
		}),

		// System
		EntityReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerly_entity_reload_total",
			Help: "Total entity registry reloads.",
		}, []string{"status"}),
		EntitiesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerly_entities_loaded",
			Help: "Number of loaded entity definitions.",
		}),
		ArchivedEntriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerly_archived_entries_total",
			Help: "Total activity entries archived to object storage.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Operations
		m.OperationsTotal,
		m.OperationDuration,
		m.VersionConflictsTotal,
		m.ValidationFailuresTotal,
		// Real-time
		m.RealtimeSubscribers,
		m.RealtimeEventsTotal,
		// Cache
		m.PermissionCacheHitsTotal,
		m.PermissionCacheMissesTotal,
		// System
		m.EntityReloadTotal,
		m.EntitiesLoaded,
		m.ArchivedEntriesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// OnMutation records the outcome of a record or approval operation. It
// makes Metrics a record.MutationObserver.
func (m *Metrics) OnMutation(_ context.Context, ev model.MutationEvent) {
	m.OperationsTotal.WithLabelValues(ev.Module, ev.Entity, ev.Operation, ev.Outcome).Inc()
	m.OperationDuration.WithLabelValues(ev.Operation).Observe(ev.Duration.Seconds())
	switch ev.Outcome {
	case model.ErrVersionConflict:
		m.VersionConflictsTotal.WithLabelValues(ev.Module, ev.Entity).Inc()
	case model.ErrValidationFailed:
		m.ValidationFailuresTotal.WithLabelValues(ev.Module, ev.Entity).Inc()
	}
}

// OnSubscribers sets the subscriber count of a room.
func (m *Metrics) OnSubscribers(room string, count int) {
	m.RealtimeSubscribers.WithLabelValues(room).Set(float64(count))
}

// OnDelivery records one real-time delivery attempt.
func (m *Metrics) OnDelivery(kind model.EventKind, delivered bool) {
	result := "delivered"
	if !delivered {
		result = "dropped"
	}
	m.RealtimeEventsTotal.WithLabelValues(string(kind), result).Inc()
}

// RecordPermissionCache records a permission cache lookup.
func (m *Metrics) RecordPermissionCache(hit bool) {
	if hit {
		m.PermissionCacheHitsTotal.Inc()
		return
	}
	m.PermissionCacheMissesTotal.Inc()
}

// RecordEntityReload records an entity registry reload.
func (m *Metrics) RecordEntityReload(status string) {
	m.EntityReloadTotal.WithLabelValues(status).Inc()
}

// SetEntitiesLoaded sets the number of loaded entity definitions.
func (m *Metrics) SetEntitiesLoaded(count int) {
	m.EntitiesLoaded.Set(float64(count))
}

// RecordArchived records archived activity entries.
func (m *Metrics) RecordArchived(n int) {
	m.ArchivedEntriesTotal.Add(float64(n))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Flush lets server-sent event streams pass through the middleware.
func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
