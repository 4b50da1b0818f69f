package config

import (
	"fmt"
	"gatekeeper/internal/models"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SupportedVersions is the range of config schema versions this build reads.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// Load loads configuration from file and environment variables. A .env file
// in the working directory, when present, is applied to the environment
// first.
func Load(configPath string) (*models.Config, error) {
	// Start with default configuration
	config := models.NewDefaultConfig()

	// Load from file if provided and exists
	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to read .env file", "error", err)
	}

	// Override with environment variables
	loadFromEnvironment(config)

	if err := checkVersion(config.Version); err != nil {
		return nil, err
	}

	// Validate the final configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// checkVersion rejects config files written for a schema this build does not
// understand.
func checkVersion(v string) error {
	if v == "" {
		return nil
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid config version %q: %w", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return fmt.Errorf("invalid version constraint: %w", err)
	}
	if !constraint.Check(ver) {
		return fmt.Errorf("unsupported config version %s (supported: %s)", ver, SupportedVersions)
	}
	return nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(config *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.ToLower(v) == "true"
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// envList parses a comma separated list, dropping empty entries.
func envList(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	list := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	*dst = list
}

// loadFromEnvironment loads configuration from environment variables
func loadFromEnvironment(config *models.Config) {
	// Server configuration
	envInt("GATEKEEPER_PORT", &config.Server.Port)
	envString("GATEKEEPER_HOST", &config.Server.Host)
	envDuration("GATEKEEPER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("GATEKEEPER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("GATEKEEPER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envBool("GATEKEEPER_TLS_ENABLED", &config.Server.TLSEnabled)
	envString("GATEKEEPER_TLS_CERT_FILE", &config.Server.TLSCertFile)
	envString("GATEKEEPER_TLS_KEY_FILE", &config.Server.TLSKeyFile)
	envList("GATEKEEPER_TRUSTED_PROXIES", &config.Server.TrustedProxies)

	// Storage configuration
	envString("GATEKEEPER_STORAGE_TYPE", &config.Storage.Type)
	envString("GATEKEEPER_STORAGE_PATH", &config.Storage.Path)
	envDuration("GATEKEEPER_STORAGE_TIMEOUT", &config.Storage.Timeout)
	envString("GATEKEEPER_DATABASE_DSN", &config.Storage.Database.DSN)
	envInt("GATEKEEPER_DATABASE_MAX_OPEN_CONNS", &config.Storage.Database.MaxOpenConns)
	envInt("GATEKEEPER_DATABASE_MAX_IDLE_CONNS", &config.Storage.Database.MaxIdleConns)
	envString("GATEKEEPER_REDIS_ADDR", &config.Storage.Redis.Addr)
	envString("GATEKEEPER_REDIS_PASSWORD", &config.Storage.Redis.Password)
	envInt("GATEKEEPER_REDIS_DB", &config.Storage.Redis.DB)
	envString("GATEKEEPER_REDIS_KEY_PREFIX", &config.Storage.Redis.KeyPrefix)

	// Security configuration
	envBool("GATEKEEPER_ENABLE_AUTH", &config.Security.EnableAuth)
	envString("GATEKEEPER_ADMIN_TOKEN", &config.Security.AdminToken)

	// Logging configuration
	envString("GATEKEEPER_LOG_LEVEL", &config.Logging.Level)
	envString("GATEKEEPER_LOG_FORMAT", &config.Logging.Format)
	envString("GATEKEEPER_LOG_OUTPUT", &config.Logging.Output)
	envString("GATEKEEPER_LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics configuration
	envBool("GATEKEEPER_METRICS_ENABLED", &config.Metrics.Enabled)
	envString("GATEKEEPER_METRICS_PATH", &config.Metrics.Path)
	envInt("GATEKEEPER_METRICS_PORT", &config.Metrics.Port)

	// Tracing configuration
	envBool("GATEKEEPER_TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	envString("GATEKEEPER_TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	envString("GATEKEEPER_OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)
	envFloat("GATEKEEPER_TRACING_SAMPLE_RATE", &config.Observability.Tracing.SampleRate)

	// Rate limiting
	rl := &config.RateLimit
	envBool("GATEKEEPER_RATE_LIMIT_ENABLED", &rl.Enabled)
	envInt("GATEKEEPER_RATE_LIMIT_MAX_REQUESTS", &rl.DefaultPolicy.MaxRequests)
	envDuration("GATEKEEPER_RATE_LIMIT_WINDOW", &rl.DefaultPolicy.Window)
	envInt("GATEKEEPER_RATE_LIMIT_BURST", &rl.DefaultPolicy.BurstAllowance)
	envInt("GATEKEEPER_DDOS_PER_SECOND", &rl.DDoS.PerSecond)
	envInt("GATEKEEPER_DDOS_PER_MINUTE", &rl.DDoS.PerMinute)
	envInt("GATEKEEPER_DDOS_PER_HOUR", &rl.DDoS.PerHour)
	envInt("GATEKEEPER_DDOS_MAX_CONCURRENT", &rl.DDoS.MaxConcurrent)
	envDuration("GATEKEEPER_DDOS_BLOCK_DURATION", &rl.DDoS.BlockDuration)
	envFloat("GATEKEEPER_REPUTATION_BLOCK_THRESHOLD", &rl.Reputation.BlockThreshold)
	envBool("GATEKEEPER_ADAPTIVE_ENABLED", &rl.Adaptive.Enabled)
	envFloat("GATEKEEPER_ADAPTIVE_THRESHOLD", &rl.Adaptive.Threshold)
	envString("GATEKEEPER_ADAPTIVE_SOURCE", &rl.Adaptive.Source)
	envFloat("GATEKEEPER_ADAPTIVE_STATIC_LOAD", &rl.Adaptive.StaticLoad)
	envList("GATEKEEPER_WHITELIST", &rl.Trust.Allow)
	envList("GATEKEEPER_BLACKLIST", &rl.Trust.Deny)
	envBool("GATEKEEPER_RATE_LIMIT_HEADERS", &rl.Headers.Enabled)
}

// SaveExample saves an example configuration file
func SaveExample(filePath string) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()

	// Enable authentication for example
	config.Security.EnableAuth = true
	config.Security.AdminToken = "change-me-to-a-long-random-token"

	// Example TLS configuration
	config.Server.TLSEnabled = false
	config.Server.TLSCertFile = "/path/to/cert.pem"
	config.Server.TLSKeyFile = "/path/to/key.pem"

	config.RateLimit.Trust.Deny = []string{"192.0.2.1"}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
