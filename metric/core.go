package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide metrics that are not owned by a single
// component.
type Metrics struct {
	ConnectionsConfigured prometheus.Gauge
	ConnectionsConnected  prometheus.Gauge
	MessagesReceived      *prometheus.CounterVec
	ConnectionEvents      *prometheus.CounterVec
	RawTreeNodes          *prometheus.GaugeVec
}

// NewMetrics creates the core metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsConfigured: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "connections",
			Name:      "configured",
			Help:      "Number of connections declared in settings",
		}),
		ConnectionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "connections",
			Name:      "connected",
			Help:      "Number of connections currently connected",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Updates received from transports",
		}, []string{"connection"}),
		ConnectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "connections",
			Name:      "events_total",
			Help:      "Connect and disconnect events reported by transports",
		}, []string{"connection", "event"}),
		RawTreeNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "rawtree",
			Name:      "nodes",
			Help:      "Nodes held in the raw passthrough tree",
		}, []string{"connection"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionsConfigured,
		m.ConnectionsConnected,
		m.MessagesReceived,
		m.ConnectionEvents,
		m.RawTreeNodes,
	}
}

// RecordMessage counts an update received on a connection.
func (m *Metrics) RecordMessage(connection string) {
	m.MessagesReceived.WithLabelValues(connection).Inc()
}

// RecordConnectionEvent counts a connect or disconnect event.
func (m *Metrics) RecordConnectionEvent(connection string, connected bool) {
	event := "disconnected"
	if connected {
		event = "connected"
	}
	m.ConnectionEvents.WithLabelValues(connection, event).Inc()
}

// RecordConnections publishes the configured and connected counts.
func (m *Metrics) RecordConnections(configured, connected int) {
	m.ConnectionsConfigured.Set(float64(configured))
	m.ConnectionsConnected.Set(float64(connected))
}

// RecordRawTreeSize publishes the node count of one connection's raw tree.
func (m *Metrics) RecordRawTreeSize(connection string, nodes int) {
	m.RawTreeNodes.WithLabelValues(connection).Set(float64(nodes))
}

// ForgetConnection drops the per-connection series of a removed connection.
func (m *Metrics) ForgetConnection(connection string) {
	m.MessagesReceived.DeleteLabelValues(connection)
	m.ConnectionEvents.DeleteLabelValues(connection, "connected")
	m.ConnectionEvents.DeleteLabelValues(connection, "disconnected")
	m.RawTreeNodes.DeleteLabelValues(connection)
}
