package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_http_requests_total",
			Help: "HTTP requests by route pattern and status.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_http_request_duration_seconds",
			Help:    "Duration of HTTP requests that are not log streams.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anvil_http_requests_in_flight",
		Help: "HTTP requests currently being served, log streams included.",
	})

	triggersAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_http_triggers_total",
			Help: "Tasks created through the API by trigger source.",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInFlight, triggersAccepted)
}

// metricsMiddleware counts every request by its chi route pattern. Log
// streams stay open for minutes, so they are left out of the duration
// histogram.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		pattern := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(status)).Inc()
		if !isStreamRoute(pattern) {
			httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}
	})
}

func isStreamRoute(pattern string) bool {
	return strings.HasSuffix(pattern, "/logs") || strings.HasSuffix(pattern, "/logs/ws")
}

// routePattern returns the matched route, or "unmatched" so that unknown
// paths cannot grow the label set.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
