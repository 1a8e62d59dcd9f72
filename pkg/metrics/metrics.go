// Package metrics defines the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks sessions that are not yet COMPLETED.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "practicase_active_sessions",
		Help: "Current number of non-completed sessions",
	})

	// PhaseTransitions counts state machine transitions by target phase.
	PhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "practicase_phase_transitions_total",
		Help: "Total number of session phase transitions",
	}, []string{"phase"})

	// EnvelopesPublished counts envelopes published on the topic bus.
	EnvelopesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "practicase_envelopes_published_total",
		Help: "Total number of envelopes published to session topics",
	})

	// EnvelopesDropped counts envelopes dropped by slow subscribers.
	EnvelopesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "practicase_envelopes_dropped_total",
		Help: "Total number of envelopes dropped due to subscriber queue overflow",
	})

	// WSConnections tracks open WebSocket connections.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "practicase_ws_connections",
		Help: "Current number of open WebSocket connections",
	})

	// IdleEvictions counts participants removed by the activity tracker.
	IdleEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "practicase_idle_evictions_total",
		Help: "Total number of participants evicted after the idle timeout",
	})

	// SessionsEnded counts ended sessions by reason.
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "practicase_sessions_ended_total",
		Help: "Total number of sessions ended, by reason",
	}, []string{"reason"})
)
