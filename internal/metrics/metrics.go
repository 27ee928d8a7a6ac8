package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by the engine components
type Metrics struct {
	FramesDelivered  prometheus.Counter
	FramesSuppressed prometheus.Counter
	Transitions      *prometheus.CounterVec
	RecoveryAttempts *prometheus.CounterVec
	Connections      prometheus.Gauge
	ActiveSessions   prometheus.Gauge
}

// New registers the collectors on reg. Tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "copilot_frames_delivered_total",
			Help: "Frames handed to the broadcast hub",
		}),
		FramesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "copilot_frames_suppressed_total",
			Help: "Captured frames dropped because their content hash did not change",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_control_transitions_total",
			Help: "Realized control transitions",
		}, []string{"type"}),
		RecoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_recovery_attempts_total",
			Help: "Automation attempts by outcome",
		}, []string{"outcome"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "copilot_hub_connections",
			Help: "Open observer connections",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "copilot_active_sessions",
			Help: "Live browser sessions",
		}),
	}

	reg.MustRegister(
		m.FramesDelivered,
		m.FramesSuppressed,
		m.Transitions,
		m.RecoveryAttempts,
		m.Connections,
		m.ActiveSessions,
	)
	return m
}

// Nop returns collectors registered nowhere
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
