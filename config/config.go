// Package config loads the control plane's configuration from layered
// JSON files with environment variable overrides. Later layers win;
// environment wins over all files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Registry backend selectors.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the complete application configuration.
type Config struct {
	Version  string         `json:"version,omitempty"`
	Service  ServiceConfig  `json:"service"`
	NATS     NATSConfig     `json:"nats"`
	Registry RegistryConfig `json:"registry"`
	HTTP     HTTPConfig     `json:"http"`
	Metrics  MetricsConfig  `json:"metrics"`
	Broker   BrokerConfig   `json:"broker"`
}

// ServiceConfig identifies this deployment.
type ServiceConfig struct {
	Name        string `json:"name"`
	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
}

// NATSConfig defines bus connection settings.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           TLSConfig     `json:"tls,omitempty"`
}

// TLSConfig for secure NATS connections.
type TLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// RegistryConfig selects and tunes the ephemeral store backend.
type RegistryConfig struct {
	Backend       string        `json:"backend"` // "redis" or "memory"
	RedisAddr     string        `json:"redis_addr,omitempty"`
	RedisPassword string        `json:"redis_password,omitempty"`
	RedisDB       int           `json:"redis_db,omitempty"`
	TTL           time.Duration `json:"ttl,omitempty"`
	SweepInterval time.Duration `json:"sweep_interval,omitempty"` // memory backend only
}

// HTTPConfig tunes the gateway.
type HTTPConfig struct {
	Addr           string    `json:"addr"`
	EnableCORS     bool      `json:"enable_cors,omitempty"`
	CORSOrigins    []string  `json:"cors_origins,omitempty"`
	MaxRequestSize int64     `json:"max_request_size,omitempty"`
	TLS            TLSConfig `json:"tls,omitempty"`
}

// MetricsConfig tunes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// BrokerConfig tunes negotiation and the embedded bridge.
type BrokerConfig struct {
	NegotiationTimeout time.Duration `json:"negotiation_timeout,omitempty"`
	EnableMQTTBridge   bool          `json:"enable_mqtt_bridge"`
}

// Validate checks the config and normalizes defaults in place.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return errors.New("service.name is required")
	}

	switch c.Registry.Backend {
	case BackendRedis:
		if c.Registry.RedisAddr == "" {
			return errors.New("registry.redis_addr is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("registry.backend %q is not supported (use %q or %q)",
			c.Registry.Backend, BackendRedis, BackendMemory)
	}

	if c.Registry.TTL < 0 {
		return errors.New("registry.ttl cannot be negative")
	}
	if c.Broker.NegotiationTimeout < 0 {
		return errors.New("broker.negotiation_timeout cannot be negative")
	}

	if c.NATS.TLS.Enabled {
		if c.NATS.TLS.CertFile == "" || c.NATS.TLS.KeyFile == "" {
			return errors.New("nats.tls.cert_file and key_file are required when TLS is enabled")
		}
		for _, f := range []string{c.NATS.TLS.CertFile, c.NATS.TLS.KeyFile} {
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("nats.tls: %w", err)
			}
		}
	}

	if c.HTTP.TLS.Enabled {
		if c.HTTP.TLS.CertFile == "" || c.HTTP.TLS.KeyFile == "" {
			return errors.New("http.tls.cert_file and key_file are required when TLS is enabled")
		}
		for _, f := range []string{c.HTTP.TLS.CertFile, c.HTTP.TLS.KeyFile} {
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("http.tls: %w", err)
			}
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns an indented JSON rendering with secrets redacted.
func (c *Config) String() string {
	clone := c.Clone()
	if clone.NATS.Password != "" {
		clone.NATS.Password = "[redacted]"
	}
	if clone.NATS.Token != "" {
		clone.NATS.Token = "[redacted]"
	}
	if clone.Registry.RedisPassword != "" {
		clone.Registry.RedisPassword = "[redacted]"
	}
	data, _ := json.MarshalIndent(clone, "", "  ")
	return string(data)
}

// SaveToFile writes the configuration as JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// Loader builds a Config from defaults, file layers, and environment.
type Loader struct {
	layers    []string
	validate  bool
	envPrefix string
}

// NewLoader creates a loader with the standard environment prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "STREAMBROKER"}
}

// AddLayer appends a configuration file layer. Later layers override
// earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation makes Load fail on invalid configs.
func (l *Loader) EnableValidation(enable bool) {
	l.validate = enable
}

// LoadFile loads configuration from a single file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges all layers over the defaults and applies environment
// overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = mergeFromMap(cfg, raw)
	}

	l.applyEnvOverrides(cfg)

	if l.validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Defaults returns the out-of-the-box configuration: memory registry,
// local NATS, gateway on 8080, metrics on 9090.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "streambroker",
			Environment: "dev",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Registry: RegistryConfig{
			Backend:       BackendMemory,
			RedisAddr:     "localhost:6379",
			TTL:           30 * time.Second,
			SweepInterval: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Broker: BrokerConfig{
			NegotiationTimeout: 5 * time.Second,
			EnableMQTTBridge:   false,
		},
	}
}

func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	parseDurations(raw)
	return raw, nil
}

// parseDurations converts human duration strings ("30s", "2m") in known
// fields to nanoseconds so they unmarshal into time.Duration.
func parseDurations(raw map[string]any) {
	convert := func(section map[string]any, key string) {
		if s, ok := section[key].(string); ok {
			if d, err := time.ParseDuration(s); err == nil {
				section[key] = d.Nanoseconds()
			}
		}
	}

	if nats, ok := raw["nats"].(map[string]any); ok {
		convert(nats, "reconnect_wait")
	}
	if reg, ok := raw["registry"].(map[string]any); ok {
		convert(reg, "ttl")
		convert(reg, "sweep_interval")
	}
	if b, ok := raw["broker"].(map[string]any); ok {
		convert(b, "negotiation_timeout")
	}
}

// mergeFromMap merges a raw layer over the base config, overriding only
// the keys the layer actually provides.
func mergeFromMap(base *Config, override map[string]any) *Config {
	if override == nil {
		return base
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	mergedJSON, err := json.Marshal(deepMerge(baseMap, override))
	if err != nil {
		return base
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return base
	}
	return &merged
}

func deepMerge(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMerge(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies STREAMBROKER_* environment variables.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	get := func(suffix string) string {
		return os.Getenv(l.envPrefix + "_" + suffix)
	}

	if v := get("SERVICE_NAME"); v != "" {
		cfg.Service.Name = v
	}
	if v := get("ENVIRONMENT"); v != "" {
		cfg.Service.Environment = v
	}
	if v := get("NATS_URLS"); v != "" {
		cfg.NATS.URLs = strings.Split(v, ",")
	}
	if v := get("NATS_USERNAME"); v != "" {
		cfg.NATS.Username = v
	}
	if v := get("NATS_PASSWORD"); v != "" {
		cfg.NATS.Password = v
	}
	if v := get("NATS_TOKEN"); v != "" {
		cfg.NATS.Token = v
	}
	if v := get("REGISTRY_BACKEND"); v != "" {
		cfg.Registry.Backend = v
	}
	if v := get("REDIS_ADDR"); v != "" {
		cfg.Registry.RedisAddr = v
	}
	if v := get("REDIS_PASSWORD"); v != "" {
		cfg.Registry.RedisPassword = v
	}
	if v := get("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Registry.RedisDB = n
		}
	}
	if v := get("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := get("METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = n
		}
	}
	if v := get("MQTT_BRIDGE"); v != "" {
		cfg.Broker.EnableMQTTBridge = v == "true" || v == "1"
	}
}
