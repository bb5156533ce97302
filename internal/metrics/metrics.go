// Package metrics exposes the tracker's Prometheus instruments. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Packet outcomes.
const (
	OutcomeMatched = "matched"
	OutcomeNew     = "new"
	OutcomeIgnored = "ignored"
)

// Metrics holds the tracker's collectors.
type Metrics struct {
	packets     *prometheus.CounterVec
	connections prometheus.Gauge
	purged      prometheus.Counter
	dropped     prometheus.Counter
	lockWait    prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		packets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conntrack_packets_total",
				Help: "Packets seen by the connection table, by outcome",
			},
			[]string{"outcome"},
		),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conntrack_connections",
			Help: "Connections currently tracked",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conntrack_purged_total",
			Help: "Connections removed by the maintenance sweep",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conntrack_collector_dropped_total",
			Help: "Disposed connections dropped because the collector queue was full",
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conntrack_lock_wait_seconds",
			Help:    "Time spent waiting for the table lock under contention",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 9),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.packets, m.connections, m.purged, m.dropped, m.lockWait)
	}
	return m
}

// Packet counts one packet with the given outcome.
func (m *Metrics) Packet(outcome string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(outcome).Inc()
}

// SetConnections sets the tracked connection gauge.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// Purged counts removed connections.
func (m *Metrics) Purged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}

// Dropped counts one connection dropped by the collector.
func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// LockWait observes a contended lock acquisition.
func (m *Metrics) LockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}
