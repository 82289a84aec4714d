package reconcile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/topicmodel/metric"
)

type loopMetrics struct {
	runs          *prometheus.CounterVec
	duration      prometheus.Histogram
	connectors    prometheus.Gauge
	startFailures prometheus.Counter
	orphans       prometheus.Gauge
}

func newLoopMetrics(registry *metric.MetricsRegistry) (*loopMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &loopMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation runs by outcome",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "reconcile",
			Name:      "run_duration_seconds",
			Help:      "Time taken by one reconciliation run",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		connectors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "reconcile",
			Name:      "connectors",
			Help:      "Live connectors",
		}),
		startFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "reconcile",
			Name:      "start_failures_total",
			Help:      "Connector starts that returned an error",
		}),
		orphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "reconcile",
			Name:      "orphan_leaves",
			Help:      "Bound leaves whose connection is not declared",
		}),
	}

	if err := registry.RegisterCounterVec("reconcile", "runs_total", m.runs); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("reconcile", "run_duration_seconds", m.duration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("reconcile", "connectors", m.connectors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("reconcile", "start_failures_total", m.startFailures); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("reconcile", "orphan_leaves", m.orphans); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *loopMetrics) recordRun(started time.Time, err error, connectors, orphans int) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runs.WithLabelValues(result).Inc()
	m.duration.Observe(time.Since(started).Seconds())
	m.connectors.Set(float64(connectors))
	m.orphans.Set(float64(orphans))
}

func (m *loopMetrics) recordLive(connectors int) {
	if m == nil {
		return
	}
	m.connectors.Set(float64(connectors))
}

func (m *loopMetrics) recordStartFailure() {
	if m == nil {
		return
	}
	m.startFailures.Inc()
}
