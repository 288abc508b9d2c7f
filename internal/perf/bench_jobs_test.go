package perf

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	jobmetrics "github.com/odyssey-erp/arledger/internal/jobs"
	"github.com/odyssey-erp/arledger/jobs"
)

func TestLedgerJobThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)

	// Notification relays are short and almost always succeed.
	for i := 0; i < 60; i++ {
		tracker := metrics.Track(jobs.TaskARNotify)
		time.Sleep(2 * time.Millisecond)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending notify tracker: %v", err)
		}
	}

	// Sweeps walk every open invoice and take longer.
	for i := 0; i < 5; i++ {
		tracker := metrics.Track(jobs.TaskARReconcileSweep)
		time.Sleep(20 * time.Millisecond)
		metrics.AddSweepResult(1, 0)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending sweep tracker: %v", err)
		}
	}

	// A few relays fail while redis is unavailable.
	for i := 0; i < 3; i++ {
		tracker := metrics.Track(jobs.TaskARNotify)
		if err := tracker.End(errors.New("redis: connection refused")); err == nil {
			t.Fatal("expected error to propagate")
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	success := metricValue(t, families, "arledger_jobs_total", map[string]string{"job": jobs.TaskARNotify, "status": "success"})
	failure := metricValue(t, families, "arledger_jobs_total", map[string]string{"job": jobs.TaskARNotify, "status": "failure"})
	if success+failure == 0 {
		t.Fatal("no notify executions recorded")
	}
	ratio := success / (success + failure)
	if ratio < 0.9 {
		t.Fatalf("notify success ratio too low: %f", ratio)
	}

	drifted := metricValue(t, families, "arledger_sweep_invoices_total", map[string]string{"result": "drifted"})
	if drifted != 5 {
		t.Fatalf("expected 5 drifted invoices, got %f", drifted)
	}

	sweepDuration := histogramMean(t, families, "arledger_job_duration_seconds", map[string]string{"job": jobs.TaskARReconcileSweep})
	if sweepDuration > 2.0 {
		t.Fatalf("sweep duration above budget: %f", sweepDuration)
	}

	notifyDuration := histogramMean(t, families, "arledger_job_duration_seconds", map[string]string{"job": jobs.TaskARNotify})
	if notifyDuration > 0.5 {
		t.Fatalf("notify duration above budget: %f", notifyDuration)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
		}
	}
	for key := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
