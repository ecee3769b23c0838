package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/procgraph/internal/model"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	events      *prometheus.CounterVec
	activations *prometheus.CounterVec
	joinFirings prometheus.Counter
	overflows   prometheus.Counter
}

// NewMetrics creates the engine collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "procgraph",
				Subsystem: "engine",
				Name:      "events_total",
				Help:      "Events applied to process instances",
			}, []string{"type", "outcome"}),
		activations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "procgraph",
				Subsystem: "engine",
				Name:      "activations_total",
				Help:      "Node instances that became active",
			}, []string{"kind"}),
		joinFirings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "procgraph",
				Subsystem: "engine",
				Name:      "join_firings_total",
				Help:      "Join waves that reached their minimum",
			}),
		overflows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "procgraph",
				Subsystem: "engine",
				Name:      "join_overflow_total",
				Help:      "Join arrivals discarded beyond the maximum",
			}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.activations, m.joinFirings, m.overflows)
	}
	return m
}

func (m *Metrics) event(typ, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ, outcome).Inc()
}

func (m *Metrics) activation(kind model.KindName) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) joinFired() {
	if m == nil {
		return
	}
	m.joinFirings.Inc()
}

func (m *Metrics) overflow() {
	if m == nil {
		return
	}
	m.overflows.Inc()
}
