package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func gatheredNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestPeerMetrics(t *testing.T) {
	PeersByStatus.WithLabelValues("IDLE").Set(3)
	PeerTransitions.WithLabelValues("alive").Inc()
	PeerTransitionsRejected.WithLabelValues("closed").Inc()
	PeersEvicted.Add(0)

	names := gatheredNames(t)
	for _, name := range []string{
		"peerd_peers",
		"peerd_peer_transitions_total",
		"peerd_peer_transitions_rejected_total",
		"peerd_peers_evicted_total",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
	if got := testutil.ToFloat64(PeersByStatus.WithLabelValues("IDLE")); got != 3 {
		t.Errorf("peers{status=IDLE} = %v, want 3", got)
	}
}

func TestDialerMetrics(t *testing.T) {
	before := testutil.ToFloat64(DialAttempts.WithLabelValues("failed"))
	DialAttempts.WithLabelValues("failed").Inc()
	DialLatency.Observe(0.02)
	DialsInFlight.Set(2)

	if got := testutil.ToFloat64(DialAttempts.WithLabelValues("failed")); got != before+1 {
		t.Errorf("dial_attempts_total{failed} = %v, want %v", got, before+1)
	}
	if !gatheredNames(t)["peerd_dial_latency_seconds"] {
		t.Error("peerd_dial_latency_seconds not found")
	}
}

func TestListenerAndEventMetrics(t *testing.T) {
	InboundConnections.WithLabelValues("accepted").Inc()
	EventsQueued.Set(1)
	Feedback.WithLabelValues("banned").Inc()
	PeerFileFlushes.WithLabelValues("ok").Inc()
	HealthCheckStatus.WithLabelValues("peers_file").Set(1)

	names := gatheredNames(t)
	for _, name := range []string{
		"peerd_inbound_connections_total",
		"peerd_events_queued",
		"peerd_feedback_total",
		"peerd_peer_file_flushes_total",
		"peerd_health_check_status",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestAllMetricsGatherable(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	count := 0
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "peerd_") {
			count++
		}
	}
	// Vectors only appear once a label set has been touched; the tests above touch all of them.
	if count < 8 {
		t.Errorf("expected at least 8 peerd_ metrics, got %d", count)
	}
}
