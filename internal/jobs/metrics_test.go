package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("ar:notify").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("ar:notify").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("ar:notify", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("ar:notify", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("ar:notify")))
}

func TestAddSweepResult(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddSweepResult(3, 0)
	m.AddSweepResult(1, 2)

	require.Equal(t, 4.0, testutil.ToFloat64(m.sweep.WithLabelValues("drifted")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.sweep.WithLabelValues("failed")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.AddSweepResult(1, 1)
	require.NoError(t, m.Track("ar:reconcile_sweep").End(nil))
}
