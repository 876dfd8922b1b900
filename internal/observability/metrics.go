package observability

import (
	"bufio"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gantrygw/gantry/internal/util"
)

// unmatchedRoute is the label value for requests that matched no
// configured route, keeping cardinality bounded.
const unmatchedRoute = "unmatched"

// inFlightRoute is the label value for in-flight tracking before the
// route is known.
const inFlightRoute = "in_flight"

// Circuit breaker state values exported on the state gauge.
const (
	BreakerStateClosed   = 0
	BreakerStateHalfOpen = 1
	BreakerStateOpen     = 2
)

// Metrics holds all Prometheus metrics for the gateway. It carries its
// own registry so tests and multiple instances never collide on the
// default global one.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestSize     *prometheus.HistogramVec
	responseSize    *prometheus.HistogramVec
	activeRequests  *prometheus.GaugeVec
	backendUp       *prometheus.GaugeVec
	breakerState    *prometheus.GaugeVec
	rateLimitDenied *prometheus.CounterVec
	buildInfo       *prometheus.GaugeVec
	startTime       prometheus.Gauge
	registry        *prometheus.Registry
}

// NewMetrics creates a Metrics instance under the given namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gantry"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "route"},
	)

	m.requestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "route"},
	)

	m.responseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "route"},
	)

	m.activeRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests",
		},
		[]string{"method", "route"},
	)

	m.backendUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_up",
			Help:      "Endpoint health (1=healthy, 0=unhealthy)",
		},
		[]string{"backend", "endpoint"},
	)

	m.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"backend"},
	)

	m.rateLimitDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Total number of rate-limited requests",
		},
		[]string{"scope", "route"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the gateway",
		},
		[]string{"version", "go_version"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the gateway in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.requestSize,
		m.responseSize,
		m.activeRequests,
		m.backendUp,
		m.breakerState,
		m.rateLimitDenied,
		m.buildInfo,
		m.startTime,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.startTime.SetToCurrentTime()

	return m
}

// RecordRequest records a completed HTTP request. The route parameter
// must be the matched route pattern, not the raw path, so dynamic path
// segments cannot explode cardinality.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration, reqSize, respSize int64) {
	statusStr := strconv.Itoa(status)

	m.requestsTotal.WithLabelValues(method, route, statusStr).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	if reqSize >= 0 {
		m.requestSize.WithLabelValues(method, route).Observe(float64(reqSize))
	}
	m.responseSize.WithLabelValues(method, route).Observe(float64(respSize))
}

// SetBackendUp sets the health gauge for one endpoint.
func (m *Metrics) SetBackendUp(backend, endpoint string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.backendUp.WithLabelValues(backend, endpoint).Set(value)
}

// SetBreakerState sets the circuit breaker state gauge for a backend.
func (m *Metrics) SetBreakerState(backend string, state int) {
	m.breakerState.WithLabelValues(backend).Set(float64(state))
}

// RecordRateLimitRejection counts a denied admission for a scope
// ("global" or "route") and route pattern.
func (m *Metrics) RecordRateLimitRejection(scope, route string) {
	m.rateLimitDenied.WithLabelValues(scope, route).Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version string) {
	m.buildInfo.WithLabelValues(version, runtime.Version()).Set(1)
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry backing this instance.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterCollector registers an additional collector with the
// registry backing the metrics endpoint.
func (m *Metrics) RegisterCollector(c prometheus.Collector) error {
	return m.registry.Register(c)
}

// MetricsMiddleware returns a middleware recording request metrics.
// The route label comes from the context holder, filled by the
// dispatcher once the route is matched.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			method := r.Method

			info := util.RouteInfoFromContext(r.Context())
			if info == nil {
				info = &util.RouteInfo{}
				r = r.WithContext(util.ContextWithRouteInfo(r.Context(), info))
			}

			rw := &metricsResponseWriter{
				ResponseWriter: w,
				status:         http.StatusOK,
			}

			metrics.activeRequests.WithLabelValues(method, inFlightRoute).Inc()

			next.ServeHTTP(rw, r)

			metrics.activeRequests.WithLabelValues(method, inFlightRoute).Dec()

			route := info.Pattern
			if route == "" {
				route = unmatchedRoute
			}

			metrics.RecordRequest(
				method, route, rw.status,
				time.Since(start),
				r.ContentLength, int64(rw.size),
			)
		})
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture status
// and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

// WriteHeader captures the status code.
func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size.
func (rw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *metricsResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for WebSocket upgrades.
func (rw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}
