// Package config defines the gateway's YAML configuration and the manager
// that hot-reloads it. Environment references in the file are expanded
// before parsing, so values like ${OPENAI_API_KEY} work everywhere.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gantry-llm/gantry/internal/plugin"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Providers []ProviderConfig `yaml:"providers"`
	Plugins   []plugin.Config  `yaml:"plugins"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Identity  IdentityConfig   `yaml:"identity"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging"`
	Tracing   TracingConfig    `yaml:"tracing"`
	Vault     VaultConfig      `yaml:"vault"`
}

// ServerConfig configures the HTTP edge.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// ProviderConfig configures one upstream adapter. APIKey may be a secret
// reference ("env://...", "vault://...") resolved at build time.
type ProviderConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	Models  []string          `yaml:"models"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// PipelineConfig bounds the orchestrator.
type PipelineConfig struct {
	MaxReevaluations int           `yaml:"max_reevaluations"`
	PluginTimeout    time.Duration `yaml:"plugin_timeout"`
	DetachedGrace    time.Duration `yaml:"detached_grace"`
}

// IdentityConfig configures the external credential validator client.
type IdentityConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	JWTSecret string        `yaml:"jwt_secret"`
}

// TelemetryConfig configures the conversation record sink. Exactly one of
// Endpoint or S3 is used; Endpoint wins when both are set.
type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Timeout  time.Duration     `yaml:"timeout"`
	S3       TelemetryS3Config `yaml:"s3"`
}

// TelemetryS3Config configures the batched S3 sink.
type TelemetryS3Config struct {
	Bucket        string        `yaml:"bucket"`
	Region        string        `yaml:"region"`
	AccessKeyID   string        `yaml:"access_key_id"`
	SecretKey     string        `yaml:"secret_key"`
	Endpoint      string        `yaml:"endpoint"`
	PathPrefix    string        `yaml:"path_prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// VaultConfig configures the vault secret source.
type VaultConfig struct {
	Address  string `yaml:"address"`
	Token    string `yaml:"token"`
	RoleID   string `yaml:"role_id"`
	SecretID string `yaml:"secret_id"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    5 * 1024 * 1024,
		},
		Pipeline: PipelineConfig{
			MaxReevaluations: 5,
			PluginTimeout:    10 * time.Second,
			DetachedGrace:    10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "gantry",
			SampleRatio: 0.1,
		},
	}
}

// LoadFromFile reads, env-expands, parses, and validates a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the builders depend on.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr required")
	}
	if c.Pipeline.MaxReevaluations <= 0 {
		return fmt.Errorf("pipeline.max_reevaluations must be positive")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if p.Type == "" {
			return fmt.Errorf("providers[%d]: type required", i)
		}
		name := p.Name
		if name == "" {
			name = p.Type
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
	}

	for i, p := range c.Plugins {
		if p.Type == "" {
			return fmt.Errorf("plugins[%d]: type required", i)
		}
	}
	return nil
}
