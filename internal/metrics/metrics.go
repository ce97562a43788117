// Package metrics provides Prometheus metrics for the homecloud server.
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
			Name: "homecloud_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"cloud", "method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "homecloud_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cloud", "method", "route"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homecloud_content_bytes_downloaded_total",
			Help: "Total bytes streamed from static endpoints",
		},
		[]string{"cloud"},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homecloud_content_downloads_total",
			Help: "Total number of file downloads",
		},
		[]string{"cloud", "status"},
	)

	listingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homecloud_listings_total",
			Help: "Total number of directory listings",
		},
		[]string{"cloud", "status"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homecloud_auth_attempts_total",
			Help: "Total login attempts",
		},
		[]string{"cloud", "result"},
	)

	tokenRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homecloud_token_rejections_total",
			Help: "Total rejected tokens by internal reason",
		},
		[]string{"cloud", "reason"},
	)

	// Resolver metrics
	pathRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homecloud_path_rejections_total",
			Help: "Total requested paths rejected by the resolver",
		},
		[]string{"cloud", "kind"},
	)

	// Registry metrics
	cloudsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "homecloud_clouds_running",
			Help: "Number of clouds currently bound to a port",
		},
	)

	cloudStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homecloud_cloud_starts_total",
			Help: "Total cloud start attempts",
		},
		[]string{"result"},
	)

	// Event stream metrics
	eventSubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "homecloud_event_subscribers_active",
			Help: "Number of active lifecycle event subscribers",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homecloud_events_total",
			Help: "Total lifecycle events published",
		},
		[]string{"level"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(cloud, method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(cloud, method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(cloud, method, route).Observe(duration.Seconds())
}

// RecordContentDownload records a file download.
func RecordContentDownload(cloud string, bytes int64, success bool) {
	contentBytesDownloaded.WithLabelValues(cloud).Add(float64(bytes))
	contentDownloadsTotal.WithLabelValues(cloud, status(success)).Inc()
}

// RecordListing records a directory listing.
func RecordListing(cloud string, success bool) {
	listingsTotal.WithLabelValues(cloud, status(success)).Inc()
}

// RecordAuthAttempt records a login attempt.
func RecordAuthAttempt(cloud string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(cloud, result).Inc()
}

// RecordTokenRejection records why a token failed validation. The reason is
// never sent to clients.
func RecordTokenRejection(cloud, reason string) {
	tokenRejectionsTotal.WithLabelValues(cloud, reason).Inc()
}

// RecordPathRejection records a resolver rejection.
func RecordPathRejection(cloud, kind string) {
	pathRejectionsTotal.WithLabelValues(cloud, kind).Inc()
}

// SetCloudsRunning sets the number of running clouds.
func SetCloudsRunning(count int) {
	cloudsRunning.Set(float64(count))
}

// RecordCloudStart records a start attempt.
func RecordCloudStart(success bool) {
	cloudStartsTotal.WithLabelValues(status(success)).Inc()
}

// SetEventSubscribers sets the number of event stream subscribers.
func SetEventSubscribers(count int) {
	eventSubscribersActive.Set(float64(count))
}

// RecordEvent records a lifecycle event publication.
func RecordEvent(level string) {
	eventsTotal.WithLabelValues(level).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
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

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. The route
// label uses the matched mux pattern so that client paths do not explode
// label cardinality.
func Middleware(cloud string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(cloud, r.Method, route, rw.statusCode, time.Since(start))
	})
}
