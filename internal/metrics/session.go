package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SessionMetrics holds the session and watcher metrics. It implements both
// ime.Recorder and watcher.Recorder.
type SessionMetrics struct {
	// Gauges
	ServiceAvailable prometheus.Gauge

	// Counters
	HandshakesTotal        prometheus.Counter
	HandshakeFailuresTotal *prometheus.CounterVec
	ConnectionsTotal       prometheus.Counter
	StaleRepliesTotal      *prometheus.CounterVec
	KeyEventsTotal         *prometheus.CounterVec
	CapabilityPushesTotal  prometheus.Counter
	ReplayHitsTotal        prometheus.Counter
}

// NewSessionMetrics creates and registers the session metrics.
func NewSessionMetrics(registry *Registry) *SessionMetrics {
	if registry == nil {
		registry = NewRegistry(false)
	}

	m := &SessionMetrics{
		ServiceAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "service_available",
			Help:      "Whether an input method service owns a watched bus name.",
		}),

		HandshakesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "handshakes_total",
			Help:      "Input context handshakes started.",
		}),
		HandshakeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "handshake_failures_total",
			Help:      "Input context handshakes that failed, by phase.",
		}, []string{"phase"}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_total",
			Help:      "Handshakes that reached the connected state.",
		}),
		StaleRepliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stale_replies_total",
			Help:      "Replies and signals discarded because their generation ended.",
		}, []string{"kind"}),
		KeyEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "key",
			Name:      "events_total",
			Help:      "Key events resolved, by verdict.",
		}, []string{"verdict"}),
		CapabilityPushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "capability_pushes_total",
			Help:      "Capability masks sent to the service.",
		}),
		ReplayHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "key",
			Name:      "replay_hits_total",
			Help:      "Key events recognised as already delivered.",
		}),
	}

	registry.Registerer().MustRegister(
		m.ServiceAvailable,
		m.HandshakesTotal,
		m.HandshakeFailuresTotal,
		m.ConnectionsTotal,
		m.StaleRepliesTotal,
		m.KeyEventsTotal,
		m.CapabilityPushesTotal,
		m.ReplayHitsTotal,
	)
	return m
}

// SetServiceAvailable records an availability flip.
func (m *SessionMetrics) SetServiceAvailable(available bool) {
	if available {
		m.ServiceAvailable.Set(1)
		return
	}
	m.ServiceAvailable.Set(0)
}

func (m *SessionMetrics) HandshakeStarted()            { m.HandshakesTotal.Inc() }
func (m *SessionMetrics) HandshakeFailed(phase string) { m.HandshakeFailuresTotal.WithLabelValues(phase).Inc() }
func (m *SessionMetrics) SessionConnected()            { m.ConnectionsTotal.Inc() }
func (m *SessionMetrics) StaleReply(kind string)       { m.StaleRepliesTotal.WithLabelValues(kind).Inc() }
func (m *SessionMetrics) KeyResolved(verdict string)   { m.KeyEventsTotal.WithLabelValues(verdict).Inc() }
func (m *SessionMetrics) CapabilityPushed()            { m.CapabilityPushesTotal.Inc() }
func (m *SessionMetrics) ReplayHit()                   { m.ReplayHitsTotal.Inc() }
