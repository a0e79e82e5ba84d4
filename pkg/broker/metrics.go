package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for broker traffic. A nil Metrics
// disables collection.
type Metrics struct {
	sessions      prometheus.Gauge
	staleSessions prometheus.Counter
	messages      *prometheus.CounterVec
	toolCalls     *prometheus.CounterVec
	broadcasts    *prometheus.CounterVec
}

// NewMetrics registers the broker collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "broker",
			Name:      "sessions",
			Help:      "Currently registered consumer sessions.",
		}),
		staleSessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "broker",
			Name:      "stale_sessions_total",
			Help:      "Sessions dropped for missing heartbeats.",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "broker",
			Name:      "messages_total",
			Help:      "Consumer messages by type.",
		}, []string{"type"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "broker",
			Name:      "tool_calls_total",
			Help:      "Tool dispatches by outcome.",
		}, []string{"outcome"}),
		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "broker",
			Name:      "broadcasts_total",
			Help:      "Broadcasts by message type.",
		}, []string{"type"}),
	}
}

func (m *Metrics) SetSessions(count int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(count))
}

func (m *Metrics) IncStaleSessions() {
	if m == nil {
		return
	}
	m.staleSessions.Inc()
}

func (m *Metrics) IncMessage(msgType string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) IncToolCall(outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncBroadcast(msgType string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(msgType).Inc()
}
