package gateway

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/topicmodel/metric"
)

type gatewayMetrics struct {
	requests      *prometheus.CounterVec
	clients       prometheus.Gauge
	eventsSent    prometheus.Counter
	eventsDropped prometheus.Counter
}

func newGatewayMetrics(registry *metric.MetricsRegistry) (*gatewayMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &gatewayMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "event_clients",
			Help:      "Connected WebSocket event clients",
		}),
		eventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "events_sent_total",
			Help:      "Change events written to WebSocket clients",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "events_dropped_total",
			Help:      "Change events dropped because a client fell behind",
		}),
	}

	if err := registry.RegisterCounterVec("gateway", "requests_total", m.requests); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("gateway", "event_clients", m.clients); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("gateway", "events_sent_total", m.eventsSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("gateway", "events_dropped_total", m.eventsDropped); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *gatewayMetrics) recordRequest(route string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *gatewayMetrics) recordClients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}

func (m *gatewayMetrics) recordEvent(sent bool) {
	if m == nil {
		return
	}
	if sent {
		m.eventsSent.Inc()
	} else {
		m.eventsDropped.Inc()
	}
}
