package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
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

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_decisions_total",
			Help: "Resolved access decisions by state and matching strategy.",
		},
		[]string{"state", "matched_by"},
	)

	cacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_cache_total",
			Help: "Decision cache lookups by outcome (hit, miss, distrusted).",
		},
		[]string{"result"},
	)

	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "Institution reconciliation runs by kind (sweep, recheck) and result.",
		},
		[]string{"kind", "result"},
	)

	reconcileMembers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_member_updates_total",
			Help: "Per-member re-resolutions performed by reconciliation.",
		},
		[]string{"result"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		decisionsTotal, cacheTotal, reconcileRuns, reconcileMembers,
		readyGauge,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveDecision counts a resolved decision.
func ObserveDecision(state, matchedBy string) {
	decisionsTotal.WithLabelValues(state, matchedBy).Inc()
}

// ObserveCache counts a cache lookup outcome.
func ObserveCache(result string) {
	cacheTotal.WithLabelValues(result).Inc()
}

// ObserveReconcileRun counts a reconciliation run.
func ObserveReconcileRun(kind, result string) {
	reconcileRuns.WithLabelValues(kind, result).Inc()
}

// ObserveMemberUpdate counts one member re-resolution.
func ObserveMemberUpdate(result string) {
	reconcileMembers.WithLabelValues(result).Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
