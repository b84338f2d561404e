// Package gateway exposes the control plane over HTTP/JSON: stream
// discovery and advertisement, negotiation, session bookkeeping, and
// the stream type catalog.
package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/streambroker/broker"
	"github.com/c360/streambroker/component"
	"github.com/c360/streambroker/errors"
	"github.com/c360/streambroker/health"
	"github.com/c360/streambroker/pkg/tlsutil"
	"github.com/c360/streambroker/session"
	"github.com/c360/streambroker/typestore"
)

const defaultMaxRequestSize = 1 << 20 // 1 MiB

// Gateway serves the HTTP request surface.
type Gateway struct {
	addr     string
	broker   *broker.Broker
	sessions *session.Manager
	types    typestore.Store
	monitor  *health.Monitor
	logger   *slog.Logger

	enableCORS     bool
	corsOrigins    []string
	maxRequestSize int64
	tlsCertFile    string
	tlsKeyFile     string

	server    *http.Server
	listener  net.Listener
	running   atomic.Bool
	startTime time.Time
	mu        sync.Mutex

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
	bytesSent      atomic.Uint64
	lastActivity   atomic.Value // stores time.Time
}

var _ component.Discoverable = (*Gateway)(nil)
var _ component.LifecycleComponent = (*Gateway)(nil)

// Option configures a Gateway.
type Option func(*Gateway)

// WithAddress sets the listen address (default ":8080").
func WithAddress(addr string) Option {
	return func(g *Gateway) {
		if addr != "" {
			g.addr = addr
		}
	}
}

// WithTypeStore attaches the stream type catalog. Without it the type
// endpoints answer 503.
func WithTypeStore(types typestore.Store) Option {
	return func(g *Gateway) { g.types = types }
}

// WithCORS enables cross-origin responses for the given origins
// ("*" allows any).
func WithCORS(origins []string) Option {
	return func(g *Gateway) {
		g.enableCORS = true
		g.corsOrigins = origins
	}
}

// WithMaxRequestSize bounds request bodies.
func WithMaxRequestSize(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxRequestSize = n
		}
	}
}

// WithHealthMonitor attaches a monitor whose aggregate rollup backs
// the health endpoint. Without it the endpoint reports a bare ok.
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(g *Gateway) { g.monitor = monitor }
}

// WithTLS serves HTTPS using the given certificate pair.
func WithTLS(certFile, keyFile string) Option {
	return func(g *Gateway) {
		g.tlsCertFile = certFile
		g.tlsKeyFile = keyFile
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger.With("component", "gateway")
		}
	}
}

// New creates a Gateway over the broker and its session manager.
func New(b *broker.Broker, opts ...Option) *Gateway {
	g := &Gateway{
		addr:           ":8080",
		broker:         b,
		sessions:       b.Sessions(),
		logger:         slog.Default().With("component", "gateway"),
		maxRequestSize: defaultMaxRequestSize,
		startTime:      time.Now(),
	}
	g.lastActivity.Store(time.Time{})
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Routes builds the request surface. Exposed separately from Start so
// tests can drive the mux without a listener.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /streams", g.wrap(g.handleListStreams))
	mux.HandleFunc("POST /streams/advertise", g.wrap(g.handleAdvertise))
	mux.HandleFunc("GET /streams/sessions", g.wrap(g.handleListSessions))
	mux.HandleFunc("DELETE /streams/sessions/{id}", g.wrap(g.handleStopSession))
	mux.HandleFunc("POST /streams/sessions/{id}/heartbeat", g.wrap(g.handleSessionHeartbeat))
	mux.HandleFunc("GET /streams/types", g.wrap(g.handleListTypes))
	mux.HandleFunc("POST /streams/types", g.wrap(g.handleCreateType))
	mux.HandleFunc("PUT /streams/types/{name}", g.wrap(g.handleUpdateType))
	mux.HandleFunc("DELETE /streams/types/{name}", g.wrap(g.handleDeleteType))
	mux.HandleFunc("GET /streams/{id}", g.wrap(g.handleGetStream))
	mux.HandleFunc("DELETE /streams/{id}", g.wrap(g.handleWithdraw))
	mux.HandleFunc("POST /streams/{id}/heartbeat", g.wrap(g.handleStreamHeartbeat))
	mux.HandleFunc("POST /streams/{id}/request", g.wrap(g.handleRequestStream))

	mux.HandleFunc("GET /health", g.handleHealth)

	return mux
}

// Meta returns the component metadata
func (g *Gateway) Meta() component.Metadata {
	return component.Metadata{
		Name:        "http-gateway",
		Type:        "gateway",
		Description: fmt.Sprintf("HTTP request surface on %s", g.addr),
		Version:     "1.0.0",
	}
}

// InputPorts returns the input ports for this component
func (g *Gateway) InputPorts() []component.Port {
	host, portStr, err := net.SplitHostPort(g.addr)
	port := 0
	if err == nil {
		fmt.Sscanf(portStr, "%d", &port)
	}
	return []component.Port{
		{
			Name:        "http",
			Direction:   component.DirectionInput,
			Required:    true,
			Description: "HTTP request surface",
			Config: component.NetworkPort{
				Protocol: "tcp",
				Host:     host,
				Port:     port,
			},
		},
	}
}

// OutputPorts returns the output ports for this component
func (g *Gateway) OutputPorts() []component.Port {
	return nil
}

// Health returns the current health status of the component
func (g *Gateway) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    g.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(g.requestsFailed.Load()),
		Uptime:     time.Since(g.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (g *Gateway) DataFlow() component.FlowMetrics {
	requests := g.requestsTotal.Load()
	failed := g.requestsFailed.Load()
	lastActivity, _ := g.lastActivity.Load().(time.Time)

	var perSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(g.startTime).Seconds(); uptime > 0 {
		perSecond = float64(requests) / uptime
		bytesPerSecond = float64(g.bytesSent.Load()) / uptime
	}
	if requests > 0 {
		errorRate = float64(failed) / float64(requests)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the gateway wiring.
func (g *Gateway) Initialize() error {
	if g.broker == nil {
		return errors.WrapInvalid(fmt.Errorf("nil broker"),
			"gateway", "Initialize", "broker validation")
	}
	return nil
}

// Start binds the listener and serves in the background. Idempotent.
func (g *Gateway) Start(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running.Load() {
		return nil
	}

	listener, err := net.Listen("tcp", g.addr)
	if err != nil {
		return errors.WrapTransient(err, "gateway", "Start", "bind "+g.addr)
	}

	if g.tlsCertFile != "" && g.tlsKeyFile != "" {
		tlsConfig, err := tlsutil.ServerConfig(g.tlsCertFile, g.tlsKeyFile, "1.2")
		if err != nil {
			_ = listener.Close()
			return errors.WrapFatal(err, "gateway", "Start", "load TLS configuration")
		}
		listener = tls.NewListener(listener, tlsConfig)
	}
	g.listener = listener

	g.server = &http.Server{
		Handler:           g.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.running.Store(true)
	g.startTime = time.Now()

	go func() {
		if err := g.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()

	g.logger.Info("gateway listening", "address", listener.Addr().String())
	return nil
}

// Stop drains in-flight requests within the timeout.
func (g *Gateway) Stop(timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running.Load() {
		return nil
	}
	g.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := g.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "gateway", "Stop", "shutdown server")
	}
	return nil
}

// Address returns the bound listen address, or the configured one
// before Start.
func (g *Gateway) Address() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener != nil {
		return g.listener.Addr().String()
	}
	return g.addr
}
