// Package metrics exposes Prometheus collectors for the realtime sync client.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Update results recorded by ObserveUpdate.
const (
	ResultAcked   = "acked"
	ResultFailed  = "failed"
	ResultTimeout = "timeout"
	ResultQueued  = "queued"
)

// Metrics owns the sync-client collectors. A nil *Metrics is valid and turns
// every method into a no-op so instrumentation stays optional.
type Metrics struct {
	updatesTotal    *prometheus.CounterVec
	ackLatency      prometheus.Histogram
	queueDepth      prometheus.Gauge
	reconnectsTotal prometheus.Counter
	connected       prometheus.Gauge
}

// New registers the collectors against the provided registry. A nil registry
// falls back to the default registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		updatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_sync_updates_total",
			Help: "Progress updates partitioned by result.",
		}, []string{"result"}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "progress_sync_ack_seconds",
			Help:    "Latency between sending an update and its acknowledgement.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_sync_queue_depth",
			Help: "Updates waiting in the outbound queue.",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_sync_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled after a connection drop.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_sync_connected",
			Help: "1 while the realtime channel is connected.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		m.updatesTotal,
		m.ackLatency,
		m.queueDepth,
		m.reconnectsTotal,
		m.connected,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register sync collector: %w", err)
		}
	}
	return m, nil
}

// ObserveUpdate records the outcome of one update attempt. Latency is only
// observed for acknowledged updates.
func (m *Metrics) ObserveUpdate(result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.updatesTotal.WithLabelValues(result).Inc()
	if result == ResultAcked {
		m.ackLatency.Observe(latency.Seconds())
	}
}

// SetQueueDepth reports the current outbound queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// IncReconnects counts one scheduled reconnect attempt.
func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

// SetConnected mirrors the channel's connection status.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
