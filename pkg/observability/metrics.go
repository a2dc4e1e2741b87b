package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// SSO metrics
	SSOLoginsTotal     *prometheus.CounterVec
	SSORejectionsTotal *prometheus.CounterVec
	SSOUpstreamLatency *prometheus.HistogramVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealscope_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dealscope_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		SSOLoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealscope_sso_logins_total",
				Help: "SSO login attempts by protocol and outcome",
			},
			[]string{"provider", "status"},
		),
		SSORejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealscope_sso_rejections_total",
				Help: "Security-relevant SSO rejections by error kind",
			},
			[]string{"kind"},
		),
		SSOUpstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dealscope_sso_upstream_duration_seconds",
				Help:    "Latency of IdP discovery and token exchange calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		DBConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealscope_db_connections_active",
			Help: "Number of active database connections",
		}),
		DBConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealscope_db_connections_idle",
			Help: "Number of idle database connections",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SSOLoginsTotal,
		m.SSORejectionsTotal,
		m.SSOUpstreamLatency,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSSOLogin records a login attempt outcome
func (m *Metrics) RecordSSOLogin(provider, status string) {
	m.SSOLoginsTotal.WithLabelValues(provider, status).Inc()
}

// RecordSSORejection records a security-relevant rejection
func (m *Metrics) RecordSSORejection(kind string) {
	m.SSORejectionsTotal.WithLabelValues(kind).Inc()
}

// Middleware instruments HTTP handlers with request count and duration
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
