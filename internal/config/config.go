// Package config handles YAML configuration loading with environment
// variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	ReadHeaderTimeout    time.Duration `yaml:"read_header_timeout"`
	GracefulShutdownSecs int           `yaml:"graceful_shutdown_timeout_secs"`
	MaxRequestBodyBytes  int64         `yaml:"max_request_body_bytes"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ShutdownBudget returns the total graceful-shutdown budget.
func (s ServerConfig) ShutdownBudget() time.Duration {
	return time.Duration(s.GracefulShutdownSecs) * time.Second
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	URL            string `yaml:"url"` // file path or ":memory:"
	MaxConnections int    `yaml:"max_connections"`
}

// AuthConfig holds operator authentication settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"` // memory-layer bound
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 30002,
			ReadHeaderTimeout:    10 * time.Second,
			GracefulShutdownSecs: 30,
			MaxRequestBodyBytes:  100 << 20,
		},
		Database: DatabaseConfig{
			URL:            "mithril.db",
			MaxConnections: 10,
		},
		Cache: CacheConfig{
			MaxEntries: 1000,
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables.
// An empty path yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	return cfg, nil
}

// applyEnv overlays the environment variables recognized independently of
// the config file. These win over file values so deployments can override
// a baked-in config.
func (c *Config) applyEnv() {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v, ok := envInt("SERVER_PORT"); ok {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v, ok := envInt("DATABASE_MAX_CONNECTIONS"); ok {
		c.Database.MaxConnections = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := envInt("GRACEFUL_SHUTDOWN_TIMEOUT_SECS"); ok {
		c.Server.GracefulShutdownSecs = v
	}
	if v, ok := envInt("MAX_REQUEST_BODY_BYTES"); ok {
		c.Server.MaxRequestBodyBytes = int64(v)
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
