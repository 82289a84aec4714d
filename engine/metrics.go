package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/topicmodel/config"
	"github.com/c360/topicmodel/metric"
)

// engineMetrics counts settings changes and schema installs.
type engineMetrics struct {
	changes  *prometheus.CounterVec // By kind and result (applied/rejected)
	installs *prometheus.CounterVec // By result (success/failure)
}

func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &engineMetrics{
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "settings_changes_total",
			Help:      "Settings changes received from the store",
		}, []string{"kind", "result"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "schema_installs_total",
			Help:      "Schema install attempts",
		}, []string{"result"}),
	}

	if err := registry.RegisterCounterVec("engine", "settings_changes_total", m.changes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "schema_installs_total", m.installs); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *engineMetrics) recordChange(kind config.ChangeKind, applied bool) {
	if m == nil {
		return
	}
	result := "applied"
	if !applied {
		result = "rejected"
	}
	m.changes.WithLabelValues(kind.String(), result).Inc()
}

func (m *engineMetrics) recordInstall(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.installs.WithLabelValues(result).Inc()
}
