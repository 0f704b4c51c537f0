package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// Gate and credential lifecycle metrics.
var (
	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_gate_decisions_total",
			Help: "Authorization gate outcomes by operation and reason.",
		},
		[]string{"operation", "outcome", "reason"},
	)

	revocationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_revocation_check_errors_total",
			Help: "Revocation store failures during blacklist checks, by fail mode.",
		},
		[]string{"mode"},
	)

	refreshRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_rotations_total",
			Help: "Refresh token rotation attempts by result.",
		},
		[]string{"result"},
	)

	policySyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_policy_syncs_total",
			Help: "Policy engine rebuilds by result.",
		},
		[]string{"result"},
	)

	policyRules = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auth_policy_rules",
		Help: "Number of grants in the active policy snapshot.",
	})

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_job_runs_total",
			Help: "Scheduled maintenance job executions by job and result.",
		},
		[]string{"job", "result"},
	)

	jobRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_job_removed_rows_total",
			Help: "Rows removed by storage hygiene jobs.",
		},
		[]string{"job"},
	)
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			gateDecisions, revocationErrors, refreshRotations, policySyncs, policyRules,
			jobRuns, jobRemoved,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveDecision counts a single gate outcome.
func ObserveDecision(operation, outcome, reason string) {
	if reason == "" {
		reason = "none"
	}
	gateDecisions.WithLabelValues(operation, outcome, reason).Inc()
}

// ObserveRevocationError counts a blacklist lookup that could not reach the store.
func ObserveRevocationError(mode string) {
	revocationErrors.WithLabelValues(mode).Inc()
}

// ObserveRefresh counts a refresh rotation attempt.
func ObserveRefresh(result string) {
	refreshRotations.WithLabelValues(result).Inc()
}

// ObservePolicySync counts a policy rebuild and records the resulting rule count.
func ObservePolicySync(result string, rules int) {
	policySyncs.WithLabelValues(result).Inc()
	if result == "ok" {
		policyRules.Set(float64(rules))
	}
}

// ObserveJob counts one scheduled job run and the rows it removed.
func ObserveJob(job, result string, removed int64) {
	jobRuns.WithLabelValues(job, result).Inc()
	if removed > 0 {
		jobRemoved.WithLabelValues(job).Add(float64(removed))
	}
}

// Instrument wraps a handler with RPS, latency and in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

// CanonicalPath collapses identifier segments so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	switch parts[1] {
	case "roles", "permissions", "users":
		parts[2] = ":id"
		if len(parts) == 5 {
			parts[4] = ":id"
		}
	case "auth":
		if len(parts) == 4 && parts[2] == "devices" {
			parts[3] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter запоминает код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
