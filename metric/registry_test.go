package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicmodel/errors"
)

func TestMetricsRegistry_RegisterAndDuplicate(t *testing.T) {
	r := NewMetricsRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "test_total", Help: "test"})
	require.NoError(t, r.RegisterCounter("router", "test_total", c))

	err := r.RegisterCounter("router", "test_total", c)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	other := prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "test_total", Help: "test"})
	err = r.RegisterCounter("reconcile", "test_total", other)
	require.Error(t, err, "same fully qualified name under another service conflicts in prometheus")
	assert.True(t, errors.IsInvalid(err))

	assert.True(t, r.Unregister("router", "test_total"))
	assert.False(t, r.Unregister("router", "test_total"))
	require.NoError(t, r.RegisterCounter("reconcile", "test_total", other))
}

func TestMetrics_CoreRecorders(t *testing.T) {
	r := NewMetricsRegistry()
	m := r.CoreMetrics()

	m.RecordMessage("a")
	m.RecordMessage("a")
	m.RecordConnectionEvent("a", true)
	m.RecordConnections(3, 1)
	m.RecordRawTreeSize("a", 5)

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		values[f.GetName()] = sum(f)
	}
	assert.Equal(t, 2.0, values["topicmodel_messages_received_total"])
	assert.Equal(t, 1.0, values["topicmodel_connections_events_total"])
	assert.Equal(t, 3.0, values["topicmodel_connections_configured"])
	assert.Equal(t, 1.0, values["topicmodel_connections_connected"])
	assert.Equal(t, 5.0, values["topicmodel_rawtree_nodes"])

	m.ForgetConnection("a")
	families, err = r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		assert.NotEqual(t, "topicmodel_rawtree_nodes", f.GetName())
	}
}

// sum adds up every counter and gauge sample of a family.
func sum(f *dto.MetricFamily) float64 {
	var total float64
	for _, m := range f.GetMetric() {
		switch f.GetType() {
		case dto.MetricType_COUNTER:
			total += m.GetCounter().GetValue()
		case dto.MetricType_GAUGE:
			total += m.GetGauge().GetValue()
		}
	}
	return total
}

func TestServer_Handler(t *testing.T) {
	r := NewMetricsRegistry()
	r.CoreMetrics().RecordMessage("a")
	s := NewServer(0, "", r)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "topicmodel_messages_received_total")

	resp2, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(0, "/metrics", NewMetricsRegistry())
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	assert.Contains(t, s.Address(), "/metrics")
	require.NoError(t, s.Stop(time.Second))
	require.NoError(t, s.Stop(time.Second))
}
