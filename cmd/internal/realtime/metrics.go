package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gateway collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	events      *prometheus.CounterVec
	rejects     *prometheus.CounterVec
	broadcasts  prometheus.Counter
	delivered   prometheus.Counter
	dropped     prometheus.Counter
}

// NewMetrics registers gateway collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "echostream",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket sessions.",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echostream",
			Subsystem: "ws",
			Name:      "events_total",
			Help:      "Inbound envelopes by type.",
		}, []string{"type"}),
		rejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echostream",
			Subsystem: "ws",
			Name:      "rejects_total",
			Help:      "Rejected upgrades and envelopes by reason.",
		}, []string{"reason"}),
		broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "echostream",
			Subsystem: "ws",
			Name:      "broadcasts_total",
			Help:      "Messages relayed to rooms.",
		}),
		delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "echostream",
			Subsystem: "ws",
			Name:      "deliveries_total",
			Help:      "Envelopes queued to room members.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "echostream",
			Subsystem: "ws",
			Name:      "drops_total",
			Help:      "Envelopes dropped because a member queue was full.",
		}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) event(typ string) {
	if m != nil {
		m.events.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) reject(reason string) {
	if m != nil {
		m.rejects.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) broadcast() {
	if m != nil {
		m.broadcasts.Inc()
	}
}

func (m *Metrics) fanout(delivered, dropped int) {
	if m == nil {
		return
	}
	m.delivered.Add(float64(delivered))
	m.dropped.Add(float64(dropped))
}
