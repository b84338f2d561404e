package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/streambroker/component"
	"github.com/c360/streambroker/errors"
	"github.com/c360/streambroker/subjects"
)

// Component wraps a Broker in the platform lifecycle so the service
// layer can manage it alongside the gateway and the embedded adapter.
// Starting it installs the bus-side heartbeat subscriptions.
type Component struct {
	name   string
	broker *Broker

	running   atomic.Bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	messagesHandled atomic.Int64
	errorCount      atomic.Int64
	lastActivity    atomic.Value // stores time.Time
}

var _ component.Discoverable = (*Component)(nil)
var _ component.LifecycleComponent = (*Component)(nil)

// NewComponent creates the lifecycle wrapper for a broker.
func NewComponent(name string, broker *Broker) *Component {
	c := &Component{
		name:      name,
		broker:    broker,
		startTime: time.Now(),
	}
	c.lastActivity.Store(time.Time{})
	return c
}

// Broker returns the wrapped broker.
func (c *Component) Broker() *Broker {
	return c.broker
}

// Meta returns the component metadata
func (c *Component) Meta() component.Metadata {
	name := c.name
	if name == "" {
		name = "stream-broker"
	}
	return component.Metadata{
		Name:        name,
		Type:        "broker",
		Description: "Stream advertisement, discovery, and transport negotiation over NATS",
		Version:     "1.0.0",
	}
}

// InputPorts returns the input ports for this component
func (c *Component) InputPorts() []component.Port {
	return []component.Port{
		{
			Name:        "stream_heartbeats",
			Direction:   component.DirectionInput,
			Required:    false,
			Description: "Stream TTL refresh messages",
			Config: component.NATSPort{
				Subject: subjects.HeartbeatWildcard,
			},
		},
		{
			Name:        "session_heartbeats",
			Direction:   component.DirectionInput,
			Required:    false,
			Description: "Session TTL refresh messages",
			Config: component.NATSPort{
				Subject: subjects.SessionHeartbeatWildcard,
			},
		},
	}
}

// OutputPorts returns the output ports for this component
func (c *Component) OutputPorts() []component.Port {
	return []component.Port{
		{
			Name:        "advertisements",
			Direction:   component.DirectionOutput,
			Required:    true,
			Description: "Stream availability announcements",
			Config: component.NATSPort{
				Subject: subjects.Advertise,
			},
		},
		{
			Name:        "session_events",
			Direction:   component.DirectionOutput,
			Required:    false,
			Description: "Session lifecycle announcements",
			Config: component.NATSPort{
				Subject: subjects.SessionStarted,
			},
		},
	}
}

// Health returns the current health status of the component
func (c *Component) Health() component.HealthStatus {
	running := c.running.Load()

	healthy := running
	lastError := ""
	if err := c.broker.store.Ping(context.Background()); err != nil {
		healthy = false
		lastError = err.Error()
	}

	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(c.errorCount.Load()),
		LastError:  lastError,
		Uptime:     time.Since(c.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (c *Component) DataFlow() component.FlowMetrics {
	messages := c.messagesHandled.Load()
	errorCount := c.errorCount.Load()
	lastActivity, _ := c.lastActivity.Load().(time.Time)

	var messagesPerSecond float64
	if uptime := time.Since(c.startTime).Seconds(); uptime > 0 {
		messagesPerSecond = float64(messages) / uptime
	}

	var errorRate float64
	if messages > 0 {
		errorRate = float64(errorCount) / float64(messages)
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the broker wiring before start.
func (c *Component) Initialize() error {
	if c.broker == nil {
		return errors.WrapInvalid(fmt.Errorf("nil broker"),
			"broker", "Initialize", "broker validation")
	}
	if c.broker.store == nil {
		return errors.WrapInvalid(fmt.Errorf("nil registry store"),
			"broker", "Initialize", "store validation")
	}
	return nil
}

// Start installs the heartbeat subscriptions. Idempotent.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	if err := c.broker.Subscribe(subCtx); err != nil {
		cancel()
		return errors.WrapTransient(err, "broker", "Start", "bus subscriptions")
	}
	c.cancel = cancel

	c.running.Store(true)
	c.startTime = time.Now()
	return nil
}

// Stop tears down the subscriptions.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running.Load() {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	c.running.Store(false)
	return nil
}
