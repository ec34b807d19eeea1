// Package metrics provides Prometheus metrics for the file operations service.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileops_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileops_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Job metrics
	jobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileops_jobs_finished_total",
			Help: "Jobs that reached a terminal state",
		},
		[]string{"op", "state"},
	)

	jobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fileops_jobs_running",
			Help: "Jobs currently executing on a worker",
		},
	)

	jobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fileops_jobs_queued",
			Help: "Jobs waiting for a worker",
		},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileops_job_duration_seconds",
			Help:    "Wall time from job start to finish",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
		},
		[]string{"op"},
	)

	// Transfer metrics
	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileops_bytes_transferred_total",
			Help: "Bytes moved per transfer route",
		},
		[]string{"route"},
	)

	spoolBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fileops_spool_bytes",
			Help: "Bytes currently reserved or held in the spool",
		},
	)

	// Session metrics
	sessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fileops_sessions_open",
			Help: "Remote sessions currently registered",
		},
	)

	sessionConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileops_session_connects_total",
			Help: "Remote connection attempts by protocol and result code",
		},
		[]string{"protocol", "result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordJobFinished records a job reaching a terminal state.
func RecordJobFinished(op, state string, duration time.Duration) {
	jobsFinishedTotal.WithLabelValues(op, state).Inc()
	if duration > 0 {
		jobDuration.WithLabelValues(op).Observe(duration.Seconds())
	}
}

// SetJobsRunning sets the number of executing jobs.
func SetJobsRunning(n int) {
	jobsRunning.Set(float64(n))
}

// SetJobsQueued sets the number of queued jobs.
func SetJobsQueued(n int) {
	jobsQueued.Set(float64(n))
}

// AddBytes counts bytes moved over a route.
func AddBytes(route string, n int64) {
	if n > 0 {
		bytesTransferred.WithLabelValues(route).Add(float64(n))
	}
}

// SetSpoolBytes sets the current spool usage.
func SetSpoolBytes(n int64) {
	spoolBytes.Set(float64(n))
}

// SetSessionsOpen sets the number of registered sessions.
func SetSessionsOpen(n int) {
	sessionsOpen.Set(float64(n))
}

// RecordConnect records a remote connection attempt. result is "ok" or an
// error code.
func RecordConnect(protocol, result string) {
	sessionConnectsTotal.WithLabelValues(protocol, result).Inc()
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("metrics: response writer does not support hijacking")
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by their chi route pattern, not the raw path.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
