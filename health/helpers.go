package health

import (
	"fmt"
	"time"

	"github.com/c360/topicmodel/connection"
)

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate creates a status by aggregating sub-statuses
// The aggregation rules are:
// - If all sub-statuses are healthy, the aggregate is healthy
// - If any sub-status is unhealthy, the aggregate is unhealthy
// - If no sub-status is unhealthy but at least one is degraded, the aggregate is degraded
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "No sub-components to aggregate")
	}

	hasUnhealthy := false
	hasDegraded := false
	for _, sub := range subStatuses {
		if sub.IsUnhealthy() {
			hasUnhealthy = true
		} else if sub.IsDegraded() {
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "One or more sub-components are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "One or more sub-components are degraded")
	default:
		status = NewHealthy(component, "All sub-components are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}

// Connection maps one connection status to a health status named after
// its display name.
func Connection(st connection.Status) Status {
	name := st.DisplayName
	if name == "" {
		name = st.ConnectionID.String()
	}
	if st.IsConnected {
		return NewHealthy(name, "Connected")
	}
	return NewDegraded(name, "Not connected")
}

// Connections aggregates connection statuses. With nothing configured the
// result is healthy; with nothing connected it is unhealthy; otherwise any
// disconnected entry makes it degraded.
func Connections(statuses []connection.Status) Status {
	const component = "connections"
	if len(statuses) == 0 {
		return NewHealthy(component, "No connections configured").
			WithMetrics(&Metrics{})
	}

	subs := make([]Status, 0, len(statuses))
	connected := 0
	for _, st := range statuses {
		subs = append(subs, Connection(st))
		if st.IsConnected {
			connected++
		}
	}

	var out Status
	switch connected {
	case len(statuses):
		out = NewHealthy(component, fmt.Sprintf("All %d connections are connected", connected))
	case 0:
		out = NewUnhealthy(component, "No connection is connected")
	default:
		out = NewDegraded(component, fmt.Sprintf("%d of %d connections are connected", connected, len(statuses)))
	}
	out.SubStatuses = subs
	return out.WithMetrics(&Metrics{Connected: connected, Configured: len(statuses)})
}
