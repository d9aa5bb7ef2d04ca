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
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "breakerbox",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests by method, path, and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "breakerbox",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	CapabilityChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "breakerbox",
		Name:      "capability_checks_total",
		Help:      "Total guard decisions by capability path and result (allowed, blocked).",
	}, []string{"capability", "result"})

	IntegrationChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "breakerbox",
		Name:      "integration_checks_total",
		Help:      "Total breaker guard decisions by integration and result (allowed, blocked).",
	}, []string{"integration", "result"})

	CapabilityResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "breakerbox",
		Name:      "capability_resolutions_total",
		Help:      "Total capability resolutions by answer source (cache, store, stale, default).",
	}, []string{"source"})

	CapabilityOverrides = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "breakerbox",
		Name:      "capability_overrides",
		Help:      "Live override rows observed at the last snapshot refresh.",
	})

	OverrideWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "breakerbox",
		Name:      "override_writes_total",
		Help:      "Total override mutations by action (set, clear) and outcome.",
	}, []string{"action", "outcome"})

	PanicModeActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "breakerbox",
		Name:      "panic_mode_active",
		Help:      "1 when the integration is blocking, 0 when allowing.",
	}, []string{"integration"})

	PanicTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "breakerbox",
		Name:      "panic_transitions_total",
		Help:      "Total panic state transitions by integration, target state, and trigger.",
	}, []string{"integration", "to", "trigger"})

	StaleEnvOverrides = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "breakerbox",
		Name:      "stale_env_overrides",
		Help:      "Environment overrides older than the staleness threshold at the last scan.",
	})
)

// Handler returns an http.Handler that serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware wraps an http.Handler to record request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		duration := time.Since(start).Seconds()

		path := normalizePath(r.URL.Path)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// normalizePath buckets URL paths to avoid high cardinality.
// Capability paths and integration names ride in the third segment of
// /v1/... routes, so keeping the first two segments drops them.
func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	switch {
	case p == "/healthz" || p == "/readyz" || p == "/metrics":
		return p
	}
	// /v1/capabilities/external.afip -> /v1/capabilities
	segments := 0
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			segments++
			if segments >= 2 {
				return p[:i]
			}
		}
	}
	return p
}
