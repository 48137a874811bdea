package metric

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataplane/errors"
)

func gathered(t *testing.T, r *MetricsRegistry, name string) bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return true
		}
	}
	return false
}

func TestMetricsRegistry_Register(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "s3_parts_total", Help: "parts"})
	require.NoError(t, registry.Register("s3", "s3_parts_total", counter))
	counter.Inc()

	assert.True(t, gathered(t, registry, "s3_parts_total"))
}

func TestMetricsRegistry_DuplicateIsInvalid(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_depth", Help: "depth"})
	second := prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_depth", Help: "depth"})

	require.NoError(t, registry.Register("dispatcher", "queue_depth", first))

	err := registry.Register("dispatcher", "queue_depth", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = registry.Register("other", "queue_depth", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err), "prometheus-level conflict is invalid too")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "upload_seconds", Help: "h"}, []string{"backend"})
	require.NoError(t, registry.Register("http", "upload_seconds", hist))

	assert.True(t, registry.Unregister("http", "upload_seconds"))
	assert.False(t, registry.Unregister("http", "upload_seconds"))
}

func TestCoreMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordOutcome("completed", "file")
	m.RecordOutcome("completed", "file")
	m.RecordPartition(false)
	m.RecordTransfer("file", "success", 20*time.Millisecond)
	m.RecordNATSStatus(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TransferOutcomes.WithLabelValues("completed", "file")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Partitions.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.RecordOutcome("failed", "x") })
}

func TestHandler_ServesCoreMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().TransfersEnqueued.Inc()

	srv := httptest.NewServer(registry.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dataplane_transfers_enqueued_total")
}
