package community

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts persistence outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	persisted  *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	failures   *prometheus.CounterVec
}

// NewMetrics registers the persistence collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		persisted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echostream",
			Subsystem: "chat",
			Name:      "messages_persisted_total",
			Help:      "Messages stored, by room kind.",
		}, []string{"kind"}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echostream",
			Subsystem: "chat",
			Name:      "messages_duplicate_total",
			Help:      "Appends answered from an existing record with the same correlation id.",
		}, []string{"kind"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echostream",
			Subsystem: "chat",
			Name:      "store_failures_total",
			Help:      "Store operations that failed with an unexpected error.",
		}, []string{"op"}),
	}
}

func (m *Metrics) appended(kind string, duplicated bool) {
	if m == nil {
		return
	}
	if duplicated {
		m.duplicates.WithLabelValues(kind).Inc()
		return
	}
	m.persisted.WithLabelValues(kind).Inc()
}

func (m *Metrics) failed(op string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(op).Inc()
}
