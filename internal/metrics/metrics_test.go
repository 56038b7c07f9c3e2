package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Exchange(ResultLogged)
	m.Exchange(ResultLogged)
	m.Exchange(ResultExcluded)
	m.CaptureError(PhaseRequest)
	m.IdentityLookup("hit")
	m.ObserveSinkWrite(2 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.exchanges.WithLabelValues(ResultLogged)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues(ResultExcluded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.captureErrors.WithLabelValues(PhaseRequest)))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 4)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Exchange(ResultLogged)
		m.CaptureError(PhaseResponse)
		m.IdentityLookup("miss")
		m.ObserveSinkWrite(time.Second)
	})
}
