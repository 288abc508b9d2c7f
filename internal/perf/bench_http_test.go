package perf

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/arledger/internal/observability"
)

func TestLedgerRouteLatencyTargets(t *testing.T) {
	metrics := observability.NewMetrics()
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/ar/invoices/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/ar/payments", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Millisecond)
		w.WriteHeader(http.StatusCreated)
	})

	scenarios := []struct {
		name      string
		method    string
		path      string
		threshold time.Duration
	}{
		{name: "read", method: http.MethodGet, path: "/ar/invoices/42", threshold: 100 * time.Millisecond},
		{name: "payment", method: http.MethodPost, path: "/ar/payments", threshold: 250 * time.Millisecond},
	}

	for _, scenario := range scenarios {
		samples := make([]time.Duration, 0, 20)
		for i := 0; i < 20; i++ {
			start := time.Now()
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(scenario.method, scenario.path, nil))
			samples = append(samples, time.Since(start))
		}
		p95 := percentile95(samples)
		if p95 > scenario.threshold {
			t.Fatalf("%s latency regression: p95=%s threshold=%s", scenario.name, p95, scenario.threshold)
		}
	}

	gatherer, ok := metrics.Registerer().(prometheus.Gatherer)
	if !ok {
		t.Fatal("metrics registry is not gatherable")
	}
	families, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	created := metricValue(t, families, "arledger_http_requests_total", map[string]string{"route": "/ar/payments", "code": "201"})
	if created != 20 {
		t.Fatalf("expected 20 payment requests recorded, got %f", created)
	}
	mean := histogramMean(t, families, "arledger_http_request_duration_seconds", map[string]string{"route": "/ar/invoices/{id}"})
	if mean > 0.1 {
		t.Fatalf("read route mean above budget: %f", mean)
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
