// Package metrics provides Prometheus metrics for peerd.
// Counters, gauges and histograms for the peer registry, the dialer, the
// listener, the persistence worker and health checks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Peers ──────────────────────────────────────────────────────────────────

// PeersByStatus tracks known peers per lifecycle status.
var PeersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "peerd",
	Name:      "peers",
	Help:      "Number of known peers by lifecycle status.",
}, []string{"status"})

// PeerTransitions counts applied state machine transitions.
var PeerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peerd",
	Name:      "peer_transitions_total",
	Help:      "Applied peer transitions by signal.",
}, []string{"signal"})

// PeerTransitionsRejected counts signals refused by the state machine.
var PeerTransitionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peerd",
	Name:      "peer_transitions_rejected_total",
	Help:      "Signals rejected as illegal or for unknown peers.",
}, []string{"signal"})

// PeersEvicted counts peers removed by the eviction policy.
var PeersEvicted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "peerd",
	Name:      "peers_evicted_total",
	Help:      "Peers removed by the eviction policy.",
})

// ─── Dialer ─────────────────────────────────────────────────────────────────

// DialAttempts counts outbound dials by result (ok, failed, dropped).
var DialAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peerd",
	Name:      "dial_attempts_total",
	Help:      "Outbound dial attempts by result.",
}, []string{"result"})

// DialLatency tracks time to establish outbound sockets.
var DialLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "peerd",
	Name:      "dial_latency_seconds",
	Help:      "Outbound dial duration in seconds.",
	Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
})

// DialsInFlight tracks currently running dials.
var DialsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "peerd",
	Name:      "dials_in_flight",
	Help:      "Outbound dials currently in progress.",
})

// ─── Listener ───────────────────────────────────────────────────────────────

// InboundConnections counts inbound sockets by outcome (accepted, admitted, rejected).
var InboundConnections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peerd",
	Name:      "inbound_connections_total",
	Help:      "Inbound connections by outcome.",
}, []string{"outcome"})

// ─── Events ─────────────────────────────────────────────────────────────────

// EventsQueued tracks candidate connections waiting for WaitEvent.
var EventsQueued = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "peerd",
	Name:      "events_queued",
	Help:      "Candidate connections waiting to be consumed.",
})

// Feedback counts protocol layer feedback calls by kind.
var Feedback = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peerd",
	Name:      "feedback_total",
	Help:      "Feedback calls from the protocol layer by kind.",
}, []string{"kind"})

// ─── Persistence ────────────────────────────────────────────────────────────

// PeerFileFlushes counts peer file writes by result (ok, error).
var PeerFileFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peerd",
	Name:      "peer_file_flushes_total",
	Help:      "Peer file writes by result.",
}, []string{"result"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "peerd",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
