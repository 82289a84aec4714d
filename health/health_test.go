package health

import (
	stderrors "errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicmodel/connection"
)

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		name                         string
		status                       Status
		healthy, degraded, unhealthy bool
	}{
		{"healthy", NewHealthy("c", "ok"), true, false, false},
		{"degraded", NewDegraded("c", "meh"), false, true, false},
		{"unhealthy", NewUnhealthy("c", "bad"), false, false, true},
		{"empty", Status{}, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.healthy, tt.status.IsHealthy())
			assert.Equal(t, tt.healthy, tt.status.Healthy)
			assert.Equal(t, tt.degraded, tt.status.IsDegraded())
			assert.Equal(t, tt.unhealthy, tt.status.IsUnhealthy())
		})
	}
}

func TestWithSubStatus_DoesNotShare(t *testing.T) {
	base := NewHealthy("root", "ok").WithSubStatus(NewHealthy("a", "ok"))
	x := base.WithSubStatus(NewHealthy("x", "ok"))
	y := base.WithSubStatus(NewHealthy("y", "ok"))
	require.Len(t, x.SubStatuses, 2)
	assert.Equal(t, "x", x.SubStatuses[1].Component)
	assert.Equal(t, "y", y.SubStatuses[1].Component)
	assert.Len(t, base.SubStatuses, 1)
}

func TestAggregate(t *testing.T) {
	assert.True(t, Aggregate("sys", nil).IsHealthy())
	assert.True(t, Aggregate("sys", []Status{NewHealthy("a", ""), NewHealthy("b", "")}).IsHealthy())
	assert.True(t, Aggregate("sys", []Status{NewHealthy("a", ""), NewDegraded("b", "")}).IsDegraded())
	agg := Aggregate("sys", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")})
	assert.True(t, agg.IsUnhealthy())
	assert.Len(t, agg.SubStatuses, 2)
}

func TestConnections(t *testing.T) {
	a := connection.Status{ConnectionID: uuid.New(), DisplayName: "A", IsConnected: true}
	b := connection.Status{ConnectionID: uuid.New(), IsConnected: false}

	none := Connections(nil)
	assert.True(t, none.IsHealthy())

	all := Connections([]connection.Status{a})
	assert.True(t, all.IsHealthy())
	assert.Equal(t, 1, all.Metrics.Connected)

	some := Connections([]connection.Status{a, b})
	assert.True(t, some.IsDegraded())
	assert.Equal(t, "1 of 2 connections are connected", some.Message)
	require.Len(t, some.SubStatuses, 2)
	assert.Equal(t, "A", some.SubStatuses[0].Component)
	assert.Equal(t, b.ConnectionID.String(), some.SubStatuses[1].Component, "falls back to the id")

	down := Connections([]connection.Status{b})
	assert.True(t, down.IsUnhealthy())
	assert.Equal(t, 0, down.Metrics.Connected)
	assert.Equal(t, 1, down.Metrics.Configured)
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("store", "loaded")
	m.UpdateDegraded("router", "previous schema kept")
	m.Update("renamed", NewHealthy("ignored", "ok"))

	st, ok := m.Get("renamed")
	require.True(t, ok)
	assert.Equal(t, "renamed", st.Component)

	agg := m.AggregateHealth("topicmodel", NewHealthy("connections", "ok"))
	assert.True(t, agg.IsDegraded())
	require.Len(t, agg.SubStatuses, 4)
	assert.Equal(t, "renamed", agg.SubStatuses[0].Component)
	assert.Equal(t, "router", agg.SubStatuses[1].Component)
	assert.Equal(t, "connections", agg.SubStatuses[3].Component)

	m.Remove("router")
	m.UpdateUnhealthy("store", "gone")
	assert.True(t, m.AggregateHealth("topicmodel").IsUnhealthy())
}

func TestSanitizeError(t *testing.T) {
	assert.Equal(t, "", SanitizeError(nil))

	tests := []struct {
		in       string
		contains []string
		hidden   []string
	}{
		{"dial tcp://broker.local:1883 refused", []string{"[URL]"}, []string{"broker.local"}},
		{"connect 10.0.0.5 failed", []string{"[IP]"}, []string{"10.0.0.5"}},
		{"open /etc/topicmodel/settings.json: denied", []string{"[PATH]"}, []string{"/etc/topicmodel"}},
		{"auth failed password=hunter2", []string{"[REDACTED]"}, []string{"hunter2"}},
	}
	for _, tt := range tests {
		got := SanitizeError(stderrors.New(tt.in))
		for _, c := range tt.contains {
			assert.Contains(t, got, c, tt.in)
		}
		for _, h := range tt.hidden {
			assert.NotContains(t, got, h, tt.in)
		}
	}
}
