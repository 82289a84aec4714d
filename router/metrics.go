package router

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/topicmodel/metric"
)

type routerMetrics struct {
	updates        *prometheus.CounterVec
	generation     prometheus.Gauge
	fields         prometheus.Gauge
	compileFailure prometheus.Counter
}

// newRouterMetrics returns nil when registry is nil; every recorder
// tolerates a nil receiver.
func newRouterMetrics(registry *metric.MetricsRegistry) (*routerMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &routerMetrics{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "updates_total",
			Help:      "Routed updates by outcome",
		}, []string{"result"}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "generation",
			Help:      "Generation number of the installed model",
		}),
		fields: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "fields",
			Help:      "Fields in the installed model",
		}),
		compileFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "compile_failures_total",
			Help:      "Schemas rejected by the compiler",
		}),
	}

	if err := registry.RegisterCounterVec("router", "updates_total", m.updates); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("router", "generation", m.generation); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("router", "fields", m.fields); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("router", "compile_failures_total", m.compileFailure); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *routerMetrics) recordResult(r Result) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(r.String()).Inc()
}

func (m *routerMetrics) recordInstall(generation uint64, fields int) {
	if m == nil {
		return
	}
	m.generation.Set(float64(generation))
	m.fields.Set(float64(fields))
}

func (m *routerMetrics) recordCompileFailure() {
	if m == nil {
		return
	}
	m.compileFailure.Inc()
}
