package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Provider kinds
const (
	ProviderAgentRun = "agentrun"
	ProviderLocal    = "local"
)

// Config holds all broker configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Sandbox   SandboxConfig   `yaml:"sandbox" toml:"sandbox"`
	Provider  ProviderConfig  `yaml:"provider" toml:"provider"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Cleanup   CleanupConfig   `yaml:"cleanup" toml:"cleanup"`
	Logging   LogConfig       `yaml:"logging" toml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string   `envconfig:"PORT" yaml:"port" toml:"port"`
	Host            string   `envconfig:"HOST" yaml:"host" toml:"host"`
	ShutdownTimeout Duration `envconfig:"SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	MaxConnections  int      `envconfig:"MAX_CONNECTIONS" yaml:"max_connections" toml:"max_connections"`
	CORSOrigins     []string `envconfig:"CORS_ORIGINS" yaml:"cors_origins" toml:"cors_origins"`
}

// SandboxConfig holds pool behavior.
type SandboxConfig struct {
	Template       string   `envconfig:"SANDBOX_TEMPLATE" yaml:"template" toml:"template"`
	IdleTimeout    Duration `envconfig:"SANDBOX_IDLE_TIMEOUT" yaml:"idle_timeout" toml:"idle_timeout"`
	SweepInterval  Duration `envconfig:"SANDBOX_SWEEP_INTERVAL" yaml:"sweep_interval" toml:"sweep_interval"`
	CreateTimeout  Duration `envconfig:"SANDBOX_CREATE_TIMEOUT" yaml:"create_timeout" toml:"create_timeout"`
	DestroyTimeout Duration `envconfig:"SANDBOX_DESTROY_TIMEOUT" yaml:"destroy_timeout" toml:"destroy_timeout"`
	VerifyLiveness bool     `envconfig:"SANDBOX_VERIFY_LIVENESS" yaml:"verify_liveness" toml:"verify_liveness"`
}

// ProviderConfig selects and configures the provisioning backend.
type ProviderConfig struct {
	Kind            string  `envconfig:"PROVIDER" yaml:"kind" toml:"kind"`
	Endpoint        string  `envconfig:"AGENTRUN_ENDPOINT" yaml:"endpoint" toml:"endpoint"`
	AccountID       string  `envconfig:"AGENTRUN_ACCOUNT_ID" yaml:"account_id" toml:"account_id"`
	AccessKeyID     string  `envconfig:"AGENTRUN_ACCESS_KEY_ID" yaml:"access_key_id" toml:"access_key_id"`
	AccessKeySecret string  `envconfig:"AGENTRUN_ACCESS_KEY_SECRET" yaml:"access_key_secret" toml:"access_key_secret"`
	Region          string  `envconfig:"AGENTRUN_REGION" yaml:"region" toml:"region"`
	RequestsPerSec  float64 `envconfig:"PROVIDER_RPS" yaml:"requests_per_second" toml:"requests_per_second"`
	LocalBaseURL    string  `envconfig:"LOCAL_BASE_URL" yaml:"local_base_url" toml:"local_base_url"`
}

// TelemetryConfig holds hub sizing.
type TelemetryConfig struct {
	BufferSize int    `envconfig:"TELEMETRY_BUFFER_SIZE" yaml:"buffer_size" toml:"buffer_size"`
	QueueSize  int    `envconfig:"TELEMETRY_QUEUE_SIZE" yaml:"queue_size" toml:"queue_size"`
	Endpoint   string `envconfig:"TELEMETRY_ENDPOINT" yaml:"endpoint" toml:"endpoint"`
}

// CleanupConfig holds shutdown behavior.
type CleanupConfig struct {
	GracePeriod Duration `envconfig:"CLEANUP_GRACE_PERIOD" yaml:"grace_period" toml:"grace_period"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development" toml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" yaml:"burst" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" yaml:"enabled" toml:"enabled"`

	// GlobalRequestsPerSecond caps all clients together. Zero disables it.
	GlobalRequestsPerSecond int `envconfig:"RATE_LIMIT_GLOBAL_RPS" yaml:"global_requests_per_second" toml:"global_requests_per_second"`
	GlobalBurst             int `envconfig:"RATE_LIMIT_GLOBAL_BURST" yaml:"global_burst" toml:"global_burst"`
}

// Load builds configuration from defaults, the optional CONFIG_FILE overlay
// and environment variables, in that order of precedence (lowest first).
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile overlays a YAML or TOML file onto cfg. Keys absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the broker cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Sandbox.Template == "" {
		errs = append(errs, errors.New("sandbox template is required"))
	}
	if c.Sandbox.IdleTimeout.Std() <= 0 {
		errs = append(errs, errors.New("sandbox idle timeout must be positive"))
	}
	if c.Sandbox.SweepInterval.Std() < 0 {
		errs = append(errs, errors.New("sandbox sweep interval must not be negative"))
	}
	if c.Sandbox.CreateTimeout.Std() <= 0 || c.Sandbox.DestroyTimeout.Std() <= 0 {
		errs = append(errs, errors.New("sandbox create/destroy timeouts must be positive"))
	}
	if c.Telemetry.BufferSize <= 0 || c.Telemetry.QueueSize <= 0 {
		errs = append(errs, errors.New("telemetry buffer and queue sizes must be positive"))
	}

	if c.RateLimit.GlobalRequestsPerSecond < 0 || c.RateLimit.GlobalBurst < 0 {
		errs = append(errs, errors.New("global rate limit must not be negative"))
	}

	switch c.Provider.Kind {
	case ProviderLocal:
	case ProviderAgentRun:
		if c.Provider.Endpoint == "" && c.Provider.AccountID == "" {
			errs = append(errs, errors.New("agentrun provider needs AGENTRUN_ENDPOINT or AGENTRUN_ACCOUNT_ID"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider.Kind))
	}

	return errors.Join(errs...)
}

// EffectiveSweepInterval returns the configured sweep interval, or half the
// idle timeout when none is set.
func (c SandboxConfig) EffectiveSweepInterval() time.Duration {
	if d := c.SweepInterval.Std(); d > 0 {
		return d
	}
	return c.IdleTimeout.Std() / 2
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			ShutdownTimeout: Duration(10 * time.Second),
			MaxConnections:  1024,
			CORSOrigins:     []string{"*"},
		},
		Sandbox: SandboxConfig{
			Template:       "browser-sandbox",
			IdleTimeout:    Duration(600 * time.Second),
			CreateTimeout:  Duration(2 * time.Minute),
			DestroyTimeout: Duration(30 * time.Second),
			VerifyLiveness: true,
		},
		Provider: ProviderConfig{
			Kind:           ProviderLocal,
			Region:         "cn-hangzhou",
			RequestsPerSec: 5,
			LocalBaseURL:   "ws://localhost:5000",
		},
		Telemetry: TelemetryConfig{
			BufferSize: 1000,
			QueueSize:  256,
			Endpoint:   "http://localhost:8000",
		},
		Cleanup: CleanupConfig{
			GracePeriod: Duration(10 * time.Second),
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
