package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics shared across components.
// Domain components register additional metrics through the registry.
type Metrics struct {
	// Component metrics
	ServiceStatus     *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec
	HealthCheckStatus *prometheus.GaugeVec

	// Registry metrics
	ActiveStreams  *prometheus.GaugeVec
	ActiveSessions prometheus.Gauge
	ExpiredTotal   *prometheus.CounterVec

	// Broker metrics
	AdvertisementsTotal *prometheus.CounterVec
	HeartbeatsTotal     *prometheus.CounterVec
	NegotiationsTotal   *prometheus.CounterVec
	NegotiationDuration prometheus.Histogram

	// Data plane metrics
	PacketsReceived prometheus.Counter
	PacketsDropped  *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "streambroker",
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"service"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambroker",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"service", "type"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "streambroker",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"service"},
		),

		ActiveStreams: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "streambroker",
				Subsystem: "registry",
				Name:      "active_streams",
				Help:      "Number of unexpired stream advertisements",
			},
			[]string{"type"},
		),

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streambroker",
				Subsystem: "registry",
				Name:      "active_sessions",
				Help:      "Number of unexpired delivery sessions",
			},
		),

		ExpiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambroker",
				Subsystem: "registry",
				Name:      "expired_total",
				Help:      "Total records pruned after missing their heartbeat window",
			},
			[]string{"kind"},
		),

		AdvertisementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambroker",
				Subsystem: "broker",
				Name:      "advertisements_total",
				Help:      "Total stream advertisements accepted",
			},
			[]string{"type"},
		),

		HeartbeatsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambroker",
				Subsystem: "broker",
				Name:      "heartbeats_total",
				Help:      "Total heartbeats applied, by record kind",
			},
			[]string{"kind"},
		),

		NegotiationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambroker",
				Subsystem: "broker",
				Name:      "negotiations_total",
				Help:      "Total stream requests, by outcome",
			},
			[]string{"outcome"},
		),

		NegotiationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "streambroker",
				Subsystem: "broker",
				Name:      "negotiation_duration_seconds",
				Help:      "Round-trip time from stream request to publisher offer",
				Buckets:   prometheus.DefBuckets,
			},
		),

		PacketsReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "streambroker",
				Subsystem: "dataplane",
				Name:      "packets_received_total",
				Help:      "Total data-plane frames accepted",
			},
		),

		PacketsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambroker",
				Subsystem: "dataplane",
				Name:      "packets_dropped_total",
				Help:      "Total data-plane frames discarded, by reason",
			},
			[]string{"reason"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streambroker",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streambroker",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "streambroker",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streambroker",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

// RecordServiceStatus updates service status metric
func (c *Metrics) RecordServiceStatus(service string, status int) {
	c.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordError increments error counter
func (c *Metrics) RecordError(service, errorType string) {
	c.ErrorsTotal.WithLabelValues(service, errorType).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(service string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(service).Set(value)
}

// RecordActiveStreams sets the live advertisement gauge for a stream type
func (c *Metrics) RecordActiveStreams(streamType string, count int) {
	c.ActiveStreams.WithLabelValues(streamType).Set(float64(count))
}

// RecordActiveSessions sets the live session gauge
func (c *Metrics) RecordActiveSessions(count int) {
	c.ActiveSessions.Set(float64(count))
}

// RecordExpired increments the prune counter for a record kind
func (c *Metrics) RecordExpired(kind string) {
	c.ExpiredTotal.WithLabelValues(kind).Inc()
}

// RecordAdvertisement increments the advertisement counter
func (c *Metrics) RecordAdvertisement(streamType string) {
	c.AdvertisementsTotal.WithLabelValues(streamType).Inc()
}

// RecordHeartbeat increments the heartbeat counter for a record kind
func (c *Metrics) RecordHeartbeat(kind string) {
	c.HeartbeatsTotal.WithLabelValues(kind).Inc()
}

// RecordNegotiation increments the negotiation counter and, on success,
// observes the request round-trip time
func (c *Metrics) RecordNegotiation(outcome string, duration time.Duration) {
	c.NegotiationsTotal.WithLabelValues(outcome).Inc()
	if outcome == "offered" {
		c.NegotiationDuration.Observe(duration.Seconds())
	}
}

// RecordPacketReceived increments the accepted frame counter
func (c *Metrics) RecordPacketReceived() {
	c.PacketsReceived.Inc()
}

// RecordPacketDropped increments the dropped frame counter for a reason
func (c *Metrics) RecordPacketDropped(reason string) {
	c.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}
