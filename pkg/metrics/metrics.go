// Package metrics exposes the node's operational counters and gauges
// via github.com/prometheus/client_golang. The registry is a plain
// struct built at composition time and passed by reference to whichever
// components update it — no package-level globals, matching spec.md
// §9's "process-wide state with explicit lifecycle" guidance.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every gauge/counter this node updates.
type Metrics struct {
	AgentConnections    prometheus.Gauge
	PeerConnections     prometheus.Gauge
	GroupSubscriptions  prometheus.Gauge
	FramesTotal         *prometheus.CounterVec
	SpamViolationsTotal prometheus.Counter
	AuthAttemptsTotal   *prometheus.CounterVec
	BroadcastFanoutTotal prometheus.Counter
}

// New registers every metric against reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AgentConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pan_agent_connections",
			Help: "Number of currently authenticated agent connections.",
		}),
		PeerConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pan_peer_connections",
			Help: "Number of currently registered peer connections.",
		}),
		GroupSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pan_group_subscriptions",
			Help: "Number of distinct (conn, group, msg_type) subscriptions.",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pan_frames_total",
			Help: "Total frames processed, by type.",
		}, []string{"type"}),
		SpamViolationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pan_spam_violations_total",
			Help: "Total spam-guard violations across all sockets.",
		}),
		AuthAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pan_auth_attempts_total",
			Help: "Total auth attempts, by result.",
		}, []string{"result"}),
		BroadcastFanoutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pan_broadcast_fanout_total",
			Help: "Total broadcast fan-out deliveries across all groups.",
		}),
	}

	reg.MustRegister(
		m.AgentConnections,
		m.PeerConnections,
		m.GroupSubscriptions,
		m.FramesTotal,
		m.SpamViolationsTotal,
		m.AuthAttemptsTotal,
		m.BroadcastFanoutTotal,
	)
	return m
}
