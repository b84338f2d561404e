// Package main implements the entry point for the streambroker control
// plane: an ephemeral stream registry, negotiation broker, session
// manager, HTTP gateway, and optional MQTT bridge adapter, all wired
// over a shared NATS bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/streambroker/broker"
	"github.com/c360/streambroker/config"
	"github.com/c360/streambroker/embedded"
	"github.com/c360/streambroker/gateway"
	"github.com/c360/streambroker/health"
	"github.com/c360/streambroker/metric"
	"github.com/c360/streambroker/natsclient"
	"github.com/c360/streambroker/registry"
	"github.com/c360/streambroker/session"
	"github.com/c360/streambroker/typestore"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "streambroker"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Run application with proper error handling
	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	// Parse and validate CLI flags
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	// Load and validate configuration
	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	// Connect to the message bus
	natsClient, err := createNATSClient(cfg)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := connectToNATS(ctx, natsClient); err != nil {
		return err
	}
	defer func() { _ = natsClient.Close(ctx) }()

	// Metrics registry and optional Prometheus endpoint
	metricsRegistry := metric.NewMetricsRegistry()
	coreMetrics := metricsRegistry.CoreMetrics()

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() { _ = metricsServer.Stop() }()
		slog.Info("Metrics server started", "address", metricsServer.Address(), "path", cfg.Metrics.Path)
	}

	// Registry store per configured backend
	store, closeStore, err := createRegistryStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create registry store: %w", err)
	}
	defer closeStore()

	// Stream type catalog: JetStream KV when the bus supports it,
	// in-memory otherwise
	types := createTypeStore(ctx, natsClient)

	// Broker stack
	sessions := session.NewManager(store,
		session.WithNATS(natsClient),
		session.WithMetrics(coreMetrics),
		session.WithLogger(logger),
	)

	b := broker.New(store,
		broker.WithNATS(natsClient),
		broker.WithTypeStore(types),
		broker.WithSessions(sessions),
		broker.WithMetrics(coreMetrics),
		broker.WithLogger(logger),
		broker.WithNegotiationTimeout(cfg.Broker.NegotiationTimeout),
	)

	brokerComponent := broker.NewComponent(cfg.Service.Name, b)
	if err := brokerComponent.Initialize(); err != nil {
		return fmt.Errorf("initialize broker: %w", err)
	}
	if err := brokerComponent.Start(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}

	// Optional embedded consumer bridge
	if cfg.Broker.EnableMQTTBridge {
		adapter := embedded.NewAdapter(store, sessions, natsClient,
			embedded.WithMetrics(coreMetrics),
			embedded.WithLogger(logger),
		)
		if err := adapter.Subscribe(ctx); err != nil {
			return fmt.Errorf("start MQTT bridge adapter: %w", err)
		}
		slog.Info("MQTT bridge adapter started")
	}

	// HTTP gateway with aggregated health rollup
	monitor := health.NewMonitor()
	monitor.Register("broker", brokerComponent)

	gw := createGateway(cfg, b, types, monitor, logger)
	monitor.Register("gateway", gw)
	if err := gw.Initialize(); err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	slog.Info("Gateway started", "address", gw.Address())

	// Run until a shutdown signal arrives
	return runWithSignalHandling(ctx, gw, brokerComponent, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting streambroker (stream control plane)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads and validates configuration
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return cfg, nil
}

// createNATSClient builds the bus client from configuration
func createNATSClient(cfg *config.Config) (*natsclient.Client, error) {
	natsURL := "nats://localhost:4222"
	if len(cfg.NATS.URLs) > 0 {
		natsURL = cfg.NATS.URLs[0]
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.Service.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(cfg.NATS.TLS.CertFile, cfg.NATS.TLS.KeyFile, cfg.NATS.TLS.CAFile))
	}

	return natsclient.NewClient(natsURL, opts...)
}

// connectToNATS establishes NATS connection and waits for it to be ready
func connectToNATS(ctx context.Context, natsClient *natsclient.Client) error {
	slog.Info("Connecting to NATS", "url", natsClient.URL())
	if err := natsClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	return nil
}

// createRegistryStore builds the ephemeral store for the configured
// backend and returns a cleanup function
func createRegistryStore(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
) (registry.Store, func(), error) {
	switch cfg.Registry.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Registry.RedisAddr,
			Password: cfg.Registry.RedisPassword,
			DB:       cfg.Registry.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis at %s: %w", cfg.Registry.RedisAddr, err)
		}

		store := registry.NewRedisStore(client,
			registry.WithRedisTTL(cfg.Registry.TTL),
			registry.WithRedisLogger(logger),
		)
		slog.Info("Registry backend ready", "backend", "redis", "addr", cfg.Registry.RedisAddr)
		return store, func() { _ = store.Close() }, nil

	default:
		store := registry.NewMemoryStore(
			registry.WithMemoryTTL(cfg.Registry.TTL),
			registry.WithMemorySweepInterval(cfg.Registry.SweepInterval),
			registry.WithMemoryLogger(logger),
		)
		slog.Info("Registry backend ready", "backend", "memory", "ttl", cfg.Registry.TTL)
		return store, func() { _ = store.Close() }, nil
	}
}

// createTypeStore prefers the JetStream-backed catalog and falls back
// to memory when the bus has no JetStream support
func createTypeStore(ctx context.Context, natsClient *natsclient.Client) typestore.Store {
	kv, err := typestore.NewKVStore(ctx, natsClient)
	if err != nil {
		slog.Warn("JetStream type catalog unavailable, using in-memory catalog", "error", err)
		return typestore.NewMemoryStore()
	}
	slog.Info("Type catalog ready", "backend", "jetstream-kv")
	return kv
}

// createGateway builds the HTTP surface from configuration
func createGateway(
	cfg *config.Config,
	b *broker.Broker,
	types typestore.Store,
	monitor *health.Monitor,
	logger *slog.Logger,
) *gateway.Gateway {
	opts := []gateway.Option{
		gateway.WithAddress(cfg.HTTP.Addr),
		gateway.WithTypeStore(types),
		gateway.WithHealthMonitor(monitor),
		gateway.WithLogger(logger),
	}
	if cfg.HTTP.EnableCORS {
		opts = append(opts, gateway.WithCORS(cfg.HTTP.CORSOrigins))
	}
	if cfg.HTTP.MaxRequestSize > 0 {
		opts = append(opts, gateway.WithMaxRequestSize(cfg.HTTP.MaxRequestSize))
	}
	if cfg.HTTP.TLS.Enabled {
		opts = append(opts, gateway.WithTLS(cfg.HTTP.TLS.CertFile, cfg.HTTP.TLS.KeyFile))
	}

	return gateway.New(b, opts...)
}

// runWithSignalHandling blocks until SIGINT/SIGTERM, then stops the
// gateway and broker in reverse start order
func runWithSignalHandling(
	ctx context.Context,
	gw *gateway.Gateway,
	brokerComponent *broker.Component,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	slog.Info("streambroker started successfully (control plane ready)")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	var firstErr error
	if err := gw.Stop(shutdownTimeout); err != nil {
		slog.Error("Error stopping gateway", "error", err)
		firstErr = err
	}
	if err := brokerComponent.Stop(shutdownTimeout); err != nil {
		slog.Error("Error stopping broker", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return fmt.Errorf("graceful shutdown failed: %w", firstErr)
	}

	slog.Info("streambroker shutdown complete")
	return nil
}
