// Package models - Service configuration and operational settings.
// This file defines the configuration structures for every service component.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, storage, rate limiting, etc.)
// - Environment-friendly defaults that work out of the box
// - Validation that catches misconfigurations before the first request is admitted
// - Security-first defaults: the deny list is always consulted, adaptive throttling fails open
package models

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Storage type constants
const (
	StorageTypeJSON     = "json"
	StorageTypeMemory   = "memory"
	StorageTypePostgres = "postgres"
	StorageTypeSQLite   = "sqlite"
	StorageTypeRedis    = "redis"
)

// Load source constants
const (
	LoadSourceSystem = "system"
	LoadSourceStatic = "static"
)

// Config is the root configuration structure containing all service settings.
//
// Configuration Structure:
// - Server: HTTP server and network settings
// - Storage: Ban list persistence
// - Security: Admin API authentication
// - Logging: Structured logging and output configuration
// - Metrics: Prometheus endpoint
// - Observability: Tracing
// - RateLimit: Policies, DDoS thresholds, reputation, adaptive throttle, trust seeds
type Config struct {
	Version       string              `yaml:"version" json:"version"`             // Config schema version
	Server        ServerConfig        `yaml:"server" json:"server"`               // HTTP server configuration
	Storage       StorageConfig       `yaml:"storage" json:"storage"`             // Ban persistence settings
	Security      SecurityConfig      `yaml:"security" json:"security"`           // Admin authentication
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`             // Logging and output configuration
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`             // Monitoring and metrics
	Observability ObservabilityConfig `yaml:"observability" json:"observability"` // Tracing
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`       // Admission control
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`

	// TrustedProxies lists the CIDRs (or single addresses) of reverse proxies
	// whose forwarding headers are believed. Empty means none are.
	TrustedProxies []string `yaml:"trusted_proxies" json:"trusted_proxies"`
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is treated as a
// single-host prefix.
func (sc *ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(sc.TrustedProxies))
	for _, raw := range sc.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap().WithZone("")
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

type StorageConfig struct {
	Type     string         `yaml:"type" json:"type"`
	Path     string         `yaml:"path" json:"path"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	Timeout  time.Duration  `yaml:"timeout" json:"timeout"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

type SecurityConfig struct {
	EnableAuth bool   `yaml:"enable_auth" json:"enable_auth"`
	AdminToken string `yaml:"admin_token" json:"-"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// RateLimitConfig groups everything the admission pipeline needs.
type RateLimitConfig struct {
	Enabled       bool               `yaml:"enabled" json:"enabled"`
	DefaultPolicy PolicyConfig       `yaml:"default_policy" json:"default_policy"`
	Endpoints     []EndpointPolicy   `yaml:"endpoints" json:"endpoints"`
	DDoS          DDoSConfig         `yaml:"ddos" json:"ddos"`
	Reputation    ReputationConfig   `yaml:"reputation" json:"reputation"`
	Adaptive      AdaptiveConfig     `yaml:"adaptive" json:"adaptive"`
	Trust         TrustConfig        `yaml:"trust" json:"trust"`
	Sweep         SweepConfig        `yaml:"sweep" json:"sweep"`
	MaxAge        time.Duration      `yaml:"max_age" json:"max_age"`
	Headers       RateLimitHeaderSet `yaml:"headers" json:"headers"`
}

// PolicyConfig is the YAML form of a RateLimitPolicy.
type PolicyConfig struct {
	MaxRequests    int           `yaml:"max_requests" json:"max_requests"`
	Window         time.Duration `yaml:"window" json:"window"`
	BurstAllowance int           `yaml:"burst_allowance" json:"burst_allowance"`
}

// Policy converts the configured values into an immutable policy.
func (pc PolicyConfig) Policy() RateLimitPolicy {
	return RateLimitPolicy{
		MaxRequests:    pc.MaxRequests,
		Window:         pc.Window,
		BurstAllowance: pc.BurstAllowance,
	}
}

// EndpointPolicy binds a policy to an endpoint prefix.
type EndpointPolicy struct {
	Prefix string       `yaml:"prefix" json:"prefix"`
	Policy PolicyConfig `yaml:"policy" json:"policy"`
}

type DDoSConfig struct {
	PerSecond     int           `yaml:"per_second" json:"per_second"`
	PerMinute     int           `yaml:"per_minute" json:"per_minute"`
	PerHour       int           `yaml:"per_hour" json:"per_hour"`
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent"`
	BlockDuration time.Duration `yaml:"block_duration" json:"block_duration"`
}

// Thresholds returns the detector thresholds.
func (dc DDoSConfig) Thresholds() DDoSThresholds {
	return DDoSThresholds{
		PerSecond:     dc.PerSecond,
		PerMinute:     dc.PerMinute,
		PerHour:       dc.PerHour,
		MaxConcurrent: dc.MaxConcurrent,
	}
}

type ReputationConfig struct {
	BlockThreshold float64       `yaml:"block_threshold" json:"block_threshold"`
	Window         time.Duration `yaml:"window" json:"window"`
}

type AdaptiveConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Threshold  float64       `yaml:"threshold" json:"threshold"`
	Source     string        `yaml:"source" json:"source"`
	StaticLoad float64       `yaml:"static_load" json:"static_load"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

type TrustConfig struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny" json:"deny"`
}

type SweepConfig struct {
	CleanupInterval    time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	DDoSInterval       time.Duration `yaml:"ddos_interval" json:"ddos_interval"`
	ReputationInterval time.Duration `yaml:"reputation_interval" json:"reputation_interval"`
}

// RateLimitHeaderSet toggles the X-RateLimit-* response headers set by the middleware.
type RateLimitHeaderSet struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// NewDefaultConfig creates a configuration with production-ready defaults.
//
// Default Values Rationale:
// - Port 8080: Standard non-privileged HTTP port
// - JSON ban storage: bans survive restarts without external dependencies
// - 100 requests/minute with a burst of 20 for unmatched endpoints
// - Login endpoints capped at 5 attempts per 15 minutes
// - DDoS thresholds: 100 rps / 1000 rpm / 10000 rph, 1 hour block on critical
// - Adaptive throttling halves limits above 80% system load
func NewDefaultConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			TLSEnabled:   false,
		},
		Storage: StorageConfig{
			Type: StorageTypeJSON,
			Path: "./data/bans.json",
			Database: DatabaseConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Redis: RedisConfig{
				KeyPrefix: "gatekeeper:ban:",
			},
			Timeout: 2 * time.Second,
		},
		Security: SecurityConfig{
			EnableAuth: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "gatekeeper",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			DefaultPolicy: PolicyConfig{
				MaxRequests:    100,
				Window:         time.Minute,
				BurstAllowance: 20,
			},
			Endpoints: []EndpointPolicy{
				{Prefix: "/api/auth/login", Policy: PolicyConfig{MaxRequests: 5, Window: 15 * time.Minute}},
				{Prefix: "/api/auth/", Policy: PolicyConfig{MaxRequests: 20, Window: 15 * time.Minute}},
				{Prefix: "/api/", Policy: PolicyConfig{MaxRequests: 60, Window: time.Minute, BurstAllowance: 10}},
			},
			DDoS: DDoSConfig{
				PerSecond:     100,
				PerMinute:     1000,
				PerHour:       10000,
				MaxConcurrent: 50,
				BlockDuration: time.Hour,
			},
			Reputation: ReputationConfig{
				BlockThreshold: 80,
				Window:         time.Hour,
			},
			Adaptive: AdaptiveConfig{
				Enabled:   true,
				Threshold: 0.8,
				Source:    LoadSourceSystem,
				Timeout:   50 * time.Millisecond,
			},
			Trust: TrustConfig{
				Allow: []string{"127.0.0.1", "::1"},
				Deny:  []string{},
			},
			Sweep: SweepConfig{
				CleanupInterval:    time.Minute,
				DDoSInterval:       30 * time.Second,
				ReputationInterval: 5 * time.Minute,
			},
			MaxAge:  time.Hour,
			Headers: RateLimitHeaderSet{Enabled: true},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	if _, err := sc.TrustedProxyPrefixes(); err != nil {
		return err
	}

	return nil
}

func (stc *StorageConfig) Validate() error {
	switch stc.Type {
	case StorageTypeMemory:
		return nil
	case StorageTypeJSON:
		if stc.Path == "" {
			return errors.New("path is required for JSON storage")
		}
	case StorageTypePostgres, StorageTypeSQLite:
		if stc.Database.DSN == "" {
			return errors.New("database DSN is required for database storage")
		}
	case StorageTypeRedis:
		if stc.Redis.Addr == "" {
			return errors.New("redis address is required for redis storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s", stc.Type)
	}

	if stc.Timeout < 0 {
		return errors.New("storage timeout cannot be negative")
	}

	return nil
}

func (sec *SecurityConfig) Validate() error {
	if sec.EnableAuth && len(sec.AdminToken) < 16 {
		return errors.New("admin token must be at least 16 characters when auth is enabled")
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !oneOf(lc.Level, "debug", "info", "warn", "error") {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	if !oneOf(lc.Format, "json", "text") {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	if !oneOf(lc.Output, "stdout", "stderr", "file") {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if oc.ServiceName == "" {
		return errors.New("service name cannot be empty")
	}
	if !oc.Tracing.Enabled {
		return nil
	}
	switch oc.Tracing.Exporter {
	case "stdout":
	case "otlp":
		if oc.Tracing.OTLPEndpoint == "" {
			return errors.New("otlp endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", oc.Tracing.Exporter)
	}
	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}
	return nil
}

func (rc *RateLimitConfig) Validate() error {
	if err := rc.DefaultPolicy.Policy().Validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}

	seen := make(map[string]bool, len(rc.Endpoints))
	for _, ep := range rc.Endpoints {
		if ep.Prefix == "" {
			return errors.New("endpoint prefix cannot be empty")
		}
		if seen[ep.Prefix] {
			return fmt.Errorf("duplicate endpoint prefix: %s", ep.Prefix)
		}
		seen[ep.Prefix] = true
		if err := ep.Policy.Policy().Validate(); err != nil {
			return fmt.Errorf("endpoint %s: %w", ep.Prefix, err)
		}
	}

	d := rc.DDoS
	if d.PerSecond < 0 || d.PerMinute < 0 || d.PerHour < 0 || d.MaxConcurrent < 0 {
		return errors.New("DDoS thresholds cannot be negative")
	}
	if d.BlockDuration < 0 {
		return errors.New("DDoS block duration cannot be negative")
	}

	if rc.Reputation.BlockThreshold <= 0 || rc.Reputation.BlockThreshold > 100 {
		return errors.New("reputation block threshold must be in (0, 100]")
	}

	if rc.Adaptive.Enabled {
		if rc.Adaptive.Threshold <= 0 || rc.Adaptive.Threshold > 1 {
			return errors.New("adaptive threshold must be in (0, 1]")
		}
		if !oneOf(rc.Adaptive.Source, LoadSourceSystem, LoadSourceStatic) {
			return fmt.Errorf("invalid load source: %s", rc.Adaptive.Source)
		}
		if rc.Adaptive.Timeout <= 0 {
			return errors.New("adaptive load timeout must be positive")
		}
	}

	s := rc.Sweep
	if s.CleanupInterval <= 0 || s.DDoSInterval <= 0 || s.ReputationInterval <= 0 {
		return errors.New("sweep intervals must be positive")
	}

	if rc.MaxAge <= 0 {
		return errors.New("max age must be positive")
	}

	return nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
