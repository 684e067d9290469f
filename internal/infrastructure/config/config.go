package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all process configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Sandbox   SandboxConfig
	Loader    LoaderConfig
	HTTPShim  HTTPShimConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// SandboxConfig holds guest execution limits.
type SandboxConfig struct {
	TimeoutMS        int `envconfig:"SANDBOX_TIMEOUT_MS" default:"5000"`
	MaxCallStackSize int `envconfig:"SANDBOX_MAX_CALL_STACK" default:"1024"`
	ConsoleBuffer    int `envconfig:"SANDBOX_CONSOLE_BUFFER" default:"1000"`
	PoolSize         int `envconfig:"SANDBOX_POOL_SIZE" default:"4"`
}

// LoaderConfig holds module resolution configuration.
type LoaderConfig struct {
	Root string `envconfig:"LOADER_ROOT" default:"./modules"`

	// PolicyPath optionally names a YAML capability manifest that
	// overrides the loader, sandbox and http shim settings.
	PolicyPath string `envconfig:"POLICY_PATH"`
}

// HTTPShimConfig bounds the guest-facing HTTP builtin.
type HTTPShimConfig struct {
	AllowHosts        []string `envconfig:"HTTP_SHIM_ALLOW_HOSTS"`
	RequestsPerSecond float64  `envconfig:"HTTP_SHIM_RPS" default:"5"`
	Burst             int      `envconfig:"HTTP_SHIM_BURST" default:"5"`
	TimeoutMS         int      `envconfig:"HTTP_SHIM_TIMEOUT_MS" default:"10000"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Port: "8000", Host: "0.0.0.0"},
		Logging:   LogConfig{Level: "info"},
		RateLimit: RateLimitConfig{RequestsPerSecond: 100, Burst: 200, Enabled: true},
		Sandbox: SandboxConfig{
			TimeoutMS:        5000,
			MaxCallStackSize: 1024,
			ConsoleBuffer:    1000,
			PoolSize:         4,
		},
		Loader: LoaderConfig{Root: "./modules"},
		HTTPShim: HTTPShimConfig{
			RequestsPerSecond: 5,
			Burst:             5,
			TimeoutMS:         10000,
		},
	}
}
