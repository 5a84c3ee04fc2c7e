package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// TestNewRegistersCollectors verifies all collectors land in the registry and
// the helpers move them.
func TestNewRegistersCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveUpdate(ResultAcked, 50*time.Millisecond)
	m.ObserveUpdate(ResultFailed, 0)
	m.SetQueueDepth(3)
	m.IncReconnects()
	m.SetConnected(true)

	require.Equal(t, 1.0, testutil.ToFloat64(m.updatesTotal.WithLabelValues(ResultAcked)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.updatesTotal.WithLabelValues(ResultFailed)))
	require.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))
	require.Equal(t, 1.0, testutil.ToFloat64(m.reconnectsTotal))
	require.Equal(t, 1.0, testutil.ToFloat64(m.connected))

	m.SetConnected(false)
	require.Equal(t, 0.0, testutil.ToFloat64(m.connected))
}

// TestNewDuplicateRegistration surfaces registry conflicts as errors.
func TestNewDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

// TestNilMetricsNoops ensures a nil receiver is safe at every call site.
func TestNilMetricsNoops(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveUpdate(ResultAcked, time.Second)
	m.SetQueueDepth(1)
	m.IncReconnects()
	m.SetConnected(true)
}
