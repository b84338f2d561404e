package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambroker/component"
)

// fakeComponent implements just enough of Discoverable for polling.
type fakeComponent struct {
	healthy   bool
	lastError string
}

func (f *fakeComponent) Meta() component.Metadata {
	return component.Metadata{Name: "fake", Type: "test"}
}

func (f *fakeComponent) InputPorts() []component.Port  { return nil }
func (f *fakeComponent) OutputPorts() []component.Port { return nil }

func (f *fakeComponent) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:   f.healthy,
		LastCheck: time.Now(),
		LastError: f.lastError,
		Uptime:    time.Minute,
	}
}

func (f *fakeComponent) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{}
}

func TestMonitorPollsRegisteredComponents(t *testing.T) {
	m := NewMonitor()
	c := &fakeComponent{healthy: true}
	m.Register("broker", c)

	status, ok := m.Get("broker")
	require.True(t, ok)
	assert.True(t, status.Healthy)
	assert.Equal(t, "broker", status.Component)

	// Health changes are visible on the next poll without re-registering
	c.healthy = false
	status, _ = m.Get("broker")
	assert.False(t, status.Healthy)
}

func TestMonitorPushedStatusOverridesPolled(t *testing.T) {
	m := NewMonitor()
	m.Register("registry", &fakeComponent{healthy: true})

	m.Update("registry", NewDegraded("registry", "redis latency high"))

	status, ok := m.Get("registry")
	require.True(t, ok)
	assert.True(t, status.IsDegraded())
	assert.Equal(t, 1, m.Count())
}

func TestMonitorAggregateHealth(t *testing.T) {
	m := NewMonitor()
	m.Register("broker", &fakeComponent{healthy: true})
	m.Register("gateway", &fakeComponent{healthy: true})

	agg := m.AggregateHealth("streambroker")
	assert.True(t, agg.IsHealthy())
	assert.Len(t, agg.SubStatuses, 2)

	m.Update("bus", NewUnhealthy("bus", "connection lost"))
	agg = m.AggregateHealth("streambroker")
	assert.True(t, agg.IsUnhealthy())
	assert.Len(t, agg.SubStatuses, 3)

	m.Remove("bus")
	agg = m.AggregateHealth("streambroker")
	assert.True(t, agg.IsHealthy())
}

func TestMonitorSnapshotSorted(t *testing.T) {
	m := NewMonitor()
	m.Register("gateway", &fakeComponent{healthy: true})
	m.Register("broker", &fakeComponent{healthy: true})
	m.Update("adapter", NewHealthy("adapter", "ok"))

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "adapter", snapshot[0].Component)
	assert.Equal(t, "broker", snapshot[1].Component)
	assert.Equal(t, "gateway", snapshot[2].Component)
}

func TestAggregateEmpty(t *testing.T) {
	agg := Aggregate("system", nil)
	assert.True(t, agg.IsHealthy())
}

func TestAggregateDegradedWithoutUnhealthy(t *testing.T) {
	agg := Aggregate("system", []Status{
		NewHealthy("a", "ok"),
		NewDegraded("b", "slow"),
	})
	assert.True(t, agg.IsDegraded())
}
