package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	RouteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "route_requests_total",
			Help: "Total routed requests by service type and outcome",
		},
		[]string{"service_type", "status"},
	)
	RouteRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "route_retries_total",
			Help: "Retry attempts by service type",
		},
		[]string{"service_type"},
	)
	QuotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_rejections_total",
			Help: "Quota gate rejections by kind",
		},
		[]string{"kind"},
	)

	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Provider call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"service_type"},
	)

	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "account_pool_size",
			Help: "Accounts in the published pool snapshot",
		},
		[]string{"service_type"},
	)
	PoolHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "account_pool_healthy",
			Help: "Healthy accounts in the published pool snapshot",
		},
		[]string{"service_type"},
	)
	HealthProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_probes_total",
			Help: "Health probes by service type and result",
		},
		[]string{"service_type", "healthy"},
	)
	HealthProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "health_probe_duration_seconds",
			Help:    "Health probe duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"service_type"},
	)
)

// InitMetrics registers all collectors; call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(RouteRequestsTotal)
	prometheus.MustRegister(RouteRetriesTotal)
	prometheus.MustRegister(QuotaRejectionsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(PoolSize)
	prometheus.MustRegister(PoolHealthy)
	prometheus.MustRegister(HealthProbesTotal)
	prometheus.MustRegister(HealthProbeDuration)
}

// SetPoolGauges publishes the pool snapshot gauges for one service type.
func SetPoolGauges(serviceType string, size, healthy int) {
	PoolSize.WithLabelValues(serviceType).Set(float64(size))
	PoolHealthy.WithLabelValues(serviceType).Set(float64(healthy))
}

// ObserveHealthProbe records one probe outcome.
func ObserveHealthProbe(serviceType string, healthy bool, responseTimeMs int64) {
	HealthProbesTotal.WithLabelValues(serviceType, strconv.FormatBool(healthy)).Inc()
	HealthProbeDuration.WithLabelValues(serviceType).Observe(float64(responseTimeMs) / 1000.0)
}

// ObserveRoute records one completed route attempt.
func ObserveRoute(serviceType, status string) {
	RouteRequestsTotal.WithLabelValues(serviceType, status).Inc()
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
