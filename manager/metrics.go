package manager

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the manager's active/outgoing set sizes as Prometheus
// gauges, so an operator can watch peer churn the same way they'd watch
// any other long-lived daemon resource.
type Metrics struct {
	activePeers   prometheus.Gauge
	outgoingPeers prometheus.Gauge
}

// NewMetrics builds and registers the manager's gauges against reg. A
// nil reg yields working, unregistered gauges — useful for tests and for
// callers that don't want a metrics endpoint at all.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peernet",
			Name:      "active_peers",
			Help:      "Number of peers in the active set.",
		}),
		outgoingPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peernet",
			Name:      "outgoing_peers",
			Help:      "Number of outbound connections pending handshake.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.activePeers, m.outgoingPeers)
	}

	return m
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.activePeers.Set(float64(n))
}

func (m *Metrics) setOutgoing(n int) {
	if m == nil {
		return
	}
	m.outgoingPeers.Set(float64(n))
}
