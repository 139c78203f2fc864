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

	invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_invocations_total",
			Help: "Tool invocations by namespace and outcome.",
		},
		[]string{"namespace", "outcome"},
	)

	denialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_denials_total",
			Help: "Denied invocations by reason.",
		},
		[]string{"reason"},
	)

	upstreamLoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_logins_total",
			Help: "Upstream login exchanges by cluster and result.",
		},
		[]string{"cluster", "result"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream call latencies in seconds, including retries.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cluster", "method"},
	)

	auditQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_queue_depth",
		Help: "Audit records waiting for the background writer.",
	})

	auditSyncWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_sync_writes_total",
		Help: "Audit records written synchronously because the queue was full.",
	})

	auditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_persist_failures_total",
		Help: "Audit records that could not be persisted and went to the fallback log.",
	})

	directorySyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "directory_sync_runs_total",
			Help: "Directory sync runs by status.",
		},
		[]string{"status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_ready",
		Help: "1 when the last readiness probe passed.",
	})

	registerOnce sync.Once
)

// RegisterMetrics registers all collectors in the default registry. Safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			invocationsTotal, denialsTotal,
			upstreamLoginsTotal, upstreamDuration,
			auditQueueDepth, auditSyncWrites, auditFailures,
			directorySyncs, readyGauge,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests for next.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// collections whose next path segment is an identifier.
var idCollections = map[string]bool{
	"principals": true,
	"roles":      true,
	"clusters":   true,
	"tools":      true,
	"configs":    true,
	"mappings":   true,
}

// CanonicalPath collapses identifiers in a request path so metric label
// cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if idCollections[parts[i-1]] && parts[i] != "" {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

// ObserveInvocation counts a gateway invocation.
func ObserveInvocation(namespace, outcome string) {
	if namespace == "" {
		namespace = "unknown"
	}
	invocationsTotal.WithLabelValues(namespace, outcome).Inc()
}

// ObserveDenial counts a denial by its stable reason.
func ObserveDenial(reason string) {
	denialsTotal.WithLabelValues(reason).Inc()
}

// ObserveUpstreamLogin counts an upstream login attempt.
func ObserveUpstreamLogin(cluster string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	upstreamLoginsTotal.WithLabelValues(cluster, result).Inc()
}

// ObserveUpstreamCall records upstream call latency.
func ObserveUpstreamCall(cluster, method string, d time.Duration) {
	upstreamDuration.WithLabelValues(cluster, method).Observe(d.Seconds())
}

// SetAuditQueueDepth publishes the current audit queue length.
func SetAuditQueueDepth(n int) { auditQueueDepth.Set(float64(n)) }

// IncAuditSyncWrite counts a synchronous audit write.
func IncAuditSyncWrite() { auditSyncWrites.Inc() }

// IncAuditFailure counts an audit record that went to the fallback sink.
func IncAuditFailure() { auditFailures.Inc() }

// ObserveDirectorySync counts a finished directory sync.
func ObserveDirectorySync(status string) {
	directorySyncs.WithLabelValues(status).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// SetReady records the last readiness probe result.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}
