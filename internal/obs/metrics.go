package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_requests_total",
			Help: "Calls made to downstream services by outcome.",
		},
		[]string{"service", "outcome"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_upstream_request_duration_seconds",
			Help:    "Latency of downstream service calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	byokInvalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_byok_invalidations_total",
		Help: "BYOK keys reported invalid by downstream services.",
	})

	byokUsageRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_byok_usage_records_total",
			Help: "Usage records processed, by outcome (upserted, skipped).",
		},
		[]string{"outcome"},
	)
)

// Init registers all gateway metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			upstreamRequestsTotal, upstreamDuration,
			byokInvalidations, byokUsageRecords,
		)
	})
}

// Handler exposes the prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpstream records a single downstream call.
func ObserveUpstream(service, outcome string, d time.Duration) {
	upstreamRequestsTotal.WithLabelValues(service, outcome).Inc()
	upstreamDuration.WithLabelValues(service).Observe(d.Seconds())
}

// CountInvalidation records a valid->invalid BYOK transition.
func CountInvalidation() { byokInvalidations.Inc() }

// CountUsageRecords records processed usage report records.
func CountUsageRecords(upserted, skipped int) {
	if upserted > 0 {
		byokUsageRecords.WithLabelValues("upserted").Add(float64(upserted))
	}
	if skipped > 0 {
		byokUsageRecords.WithLabelValues("skipped").Add(float64(skipped))
	}
}

// Instrument measures RPS, latency and in-flight requests. The path label is the
// chi route pattern so ids do not explode label cardinality.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		path := RoutePattern(r)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// RoutePattern returns the matched chi pattern, or "unmatched" when routing
// did not resolve a route.
func RoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unmatched"
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
