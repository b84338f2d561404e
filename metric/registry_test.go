package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry)
	require.NotNil(t, registry.Metrics)
	require.NotNil(t, registry.PrometheusRegistry())

	// Core metrics should be gatherable once touched
	registry.Metrics.RecordActiveStreams("sensor", 3)
	registry.Metrics.RecordActiveSessions(1)
	registry.Metrics.RecordNegotiation("offered", 120*time.Millisecond)
	registry.Metrics.RecordNegotiation("timeout", 0)
	registry.Metrics.RecordPacketDropped("malformed")

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	assert.True(t, names["streambroker_registry_active_streams"])
	assert.True(t, names["streambroker_registry_active_sessions"])
	assert.True(t, names["streambroker_broker_negotiations_total"])
	assert.True(t, names["streambroker_broker_negotiation_duration_seconds"])
	assert.True(t, names["streambroker_dataplane_packets_dropped_total"])
}

func TestRegisterComponentMetrics(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_test_operations_total",
		Help: "Test counter",
	})

	err := registry.RegisterCounter("broker", "operations", counter)
	require.NoError(t, err)

	// Same service/metric key must be rejected
	err = registry.RegisterCounter("broker", "operations", counter)
	assert.Error(t, err)

	// Unregister frees the key
	assert.True(t, registry.Unregister("broker", "operations"))
	assert.False(t, registry.Unregister("broker", "operations"))

	err = registry.RegisterCounter("broker", "operations", counter)
	assert.NoError(t, err)
}

func TestRegisterGaugeVec(t *testing.T) {
	registry := NewMetricsRegistry()

	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "receiver_test_staleness_seconds",
		Help: "Test gauge vector",
	}, []string{"stream"})

	err := registry.RegisterGaugeVec("receiver", "staleness", gaugeVec)
	require.NoError(t, err)

	gaugeVec.WithLabelValues("abc").Set(4.2)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, f := range families {
		if f.GetName() == "receiver_test_staleness_seconds" {
			found = true
		}
	}
	assert.True(t, found)
}
