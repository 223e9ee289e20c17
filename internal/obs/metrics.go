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

// HTTP metrics
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
)

// Authority metrics
var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thinauth_operations_total",
			Help: "Authority operations by name and result code.",
		},
		[]string{"op", "result"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thinauth_operation_duration_seconds",
			Help:    "Authority operation latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	tenantCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thinauth_tenant_cache_total",
			Help: "Tenant resolver lookups by result (hit, miss, expired).",
		},
		[]string{"result"},
	)

	pushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thinauth_push_total",
			Help: "Server push attempts to live client connections.",
		},
		[]string{"kind", "result"},
	)

	notifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thinauth_notify_total",
			Help: "Outbound login link deliveries by channel and result.",
		},
		[]string{"channel", "result"},
	)

	liveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "thinauth_live_connections",
		Help: "Client connections currently registered for push.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "thinauth_ready",
		Help: "1 when the last readiness check passed.",
	})
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			operationsTotal, operationDuration, tenantCacheTotal,
			pushTotal, notifyTotal, liveConnections, ready,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOperation records one authority operation. result is "ok" or an error code.
func ObserveOperation(op, result string, started time.Time) {
	operationsTotal.WithLabelValues(op, result).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// TenantCache counts a tenant resolver lookup.
func TenantCache(result string) {
	tenantCacheTotal.WithLabelValues(result).Inc()
}

// Push counts a push attempt (kind is "auth" or "dev_request").
func Push(kind, result string) {
	pushTotal.WithLabelValues(kind, result).Inc()
}

// Notify counts a link delivery attempt.
func Notify(channel, result string) {
	notifyTotal.WithLabelValues(channel, result).Inc()
}

// SetLiveConnections reports the size of the push registry.
func SetLiveConnections(n int) {
	liveConnections.Set(float64(n))
}

// SetReady records the outcome of a readiness check.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures RPS, latency and in-flight requests.
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

var knownPaths = map[string]struct{}{
	"/":                  {},
	"/healthz":           {},
	"/readyz":            {},
	"/metrics":           {},
	"/v1/info":           {},
	"/v1/verify":         {},
	"/v1/verify/approve": {},
	"/v1/verify/reject":  {},
}

// CanonicalPath bounds the path label to the routes the API serves.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if _, ok := knownPaths[p]; ok {
		return p
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
