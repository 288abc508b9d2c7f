package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	paymentOps      *prometheus.CounterVec
	cancellations   *prometheus.CounterVec
	notifyFailures  *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry, metrik HTTP dan penghitung ledger.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arledger_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arledger_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	paymentOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arledger_payment_ops_total",
		Help: "Payment create, update and delete attempts by outcome.",
	}, []string{"op", "outcome"})
	cancellations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arledger_cancellations_total",
		Help: "Invoice cancellation attempts by outcome.",
	}, []string{"outcome"})
	notifyFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arledger_notify_failures_total",
		Help: "Ledger events the notification transport refused.",
	}, []string{"event"})
	registry.MustRegister(requests, duration, paymentOps, cancellations, notifyFailures)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		paymentOps:      paymentOps,
		cancellations:   cancellations,
		notifyFailures:  notifyFailures,
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

// ObservePaymentOp counts one payment operation.
func (m *Metrics) ObservePaymentOp(op, outcome string) {
	if m == nil {
		return
	}
	m.paymentOps.WithLabelValues(op, outcome).Inc()
}

// ObserveCancellation counts one cancellation attempt.
func (m *Metrics) ObserveCancellation(outcome string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(outcome).Inc()
}

// ObserveNotifyFailure counts an event that could not be published.
func (m *Metrics) ObserveNotifyFailure(event string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(event).Inc()
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
