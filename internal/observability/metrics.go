package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/treasury/internal/audit"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry         *prometheus.Registry
	handler          http.Handler
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	ledgerEvents     *prometheus.CounterVec
	auditFailures    *prometheus.CounterVec
	integrityFailure prometheus.Counter
}

// NewMetrics menginisialisasi registry, metrik HTTP dan metrik ledger.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_treasury_ledger_events_total",
		Help: "Ledger mutations by audit action.",
	}, []string{"action"})
	auditFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_treasury_audit_write_failures_total",
		Help: "Audit entries that could not be written and were spooled.",
	}, []string{"action"})
	integrity := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_treasury_report_integrity_failures_total",
		Help: "Frozen reports whose stored PDF no longer matches the sealed hash.",
	})
	registry.MustRegister(requests, duration, events, auditFailures, integrity)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		ledgerEvents:     events,
		auditFailures:    auditFailures,
		integrityFailure: integrity,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// LedgerEvent counts a committed ledger mutation.
func (m *Metrics) LedgerEvent(action audit.Action) {
	if m == nil {
		return
	}
	m.ledgerEvents.WithLabelValues(string(action)).Inc()
}

// AuditWriteFailed counts an audit entry that missed the store.
func (m *Metrics) AuditWriteFailed(action string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(action).Inc()
}

// ReportIntegrityFailed counts a failed frozen report verification.
func (m *Metrics) ReportIntegrityFailed() {
	if m == nil {
		return
	}
	m.integrityFailure.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
