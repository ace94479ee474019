// Package metrics exposes battle counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	BattlesCreated prometheus.Counter
	Transitions    *prometheus.CounterVec
	VotesCast      prometheus.Counter
	TurnExpiries   prometheus.Counter
	LiveSessions   prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	m := &Metrics{
		BattlesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roast",
			Name:      "battles_created_total",
			Help:      "Battles created.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roast",
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle transitions by target state.",
		}, []string{"state"}),
		VotesCast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roast",
			Name:      "votes_cast_total",
			Help:      "Votes accepted, including replacements.",
		}),
		TurnExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roast",
			Name:      "turn_expiries_total",
			Help:      "Turns that ended because the clock ran out.",
		}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roast",
			Name:      "live_sessions",
			Help:      "Battle sessions currently held in memory.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(m.BattlesCreated, m.Transitions, m.VotesCast, m.TurnExpiries, m.LiveSessions)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(state string) {
	m.Transitions.WithLabelValues(state).Inc()
}
