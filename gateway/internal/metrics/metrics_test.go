package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Counter != nil {
		return out.Counter.GetValue()
	}
	return out.Gauge.GetValue()
}

func TestRecordCall(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCall("ok", true, 0, 0.01)
	m.RecordCall("ok", false, 2, 0.02)
	m.RecordCall("timeout", true, 0, 30)

	assert.Equal(t, 1.0, value(t, m.CallsTotal.WithLabelValues("ok", "free")))
	assert.Equal(t, 1.0, value(t, m.CallsTotal.WithLabelValues("ok", "paid")))
	assert.Equal(t, 1.0, value(t, m.CallsTotal.WithLabelValues("timeout", "free")))
	assert.Equal(t, 2.0, value(t, m.CostCharged))
}

func TestRecordRequestUsesNumericStatus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordRequest("GET", "/health", 200, 0.001)

	assert.Equal(t, 1.0, value(t, m.RequestsTotal.WithLabelValues("GET", "/health", "200")))
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
