// Package config provides engine configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunables for the fieldsync engine.
type Config struct {
	// APIBaseURL is the base URL of the remote REST API, e.g.
	// "https://api.healthreach.ph".
	APIBaseURL string `yaml:"api_base_url"`

	// RealtimeURL is the websocket endpoint for remote-changed events.
	// Empty disables the realtime subscription.
	RealtimeURL string `yaml:"realtime_url"`

	// DataDir is where the local SQLite database lives.
	DataDir string `yaml:"data_dir"`

	// RequestTimeout is the per-request network timeout. A hung request
	// must never deadlock a queue group, so this is always bounded.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxRetries is how many replay attempts an operation gets before
	// it is surfaced to the user as failed.
	MaxRetries int `yaml:"max_retries"`

	// BackoffMin and BackoffMax bound the exponential retry delay.
	BackoffMin time.Duration `yaml:"backoff_min"`
	BackoffMax time.Duration `yaml:"backoff_max"`

	// DrainInterval is how often the scheduler checks for operations
	// whose backoff window has elapsed.
	DrainInterval time.Duration `yaml:"drain_interval"`

	// ProbeURL and ProbeInterval drive the connectivity heuristic.
	// Empty ProbeURL disables active probing.
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// MaxQueueSize caps the number of durable pending operations.
	MaxQueueSize int `yaml:"max_queue_size"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string `yaml:"log_level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		APIBaseURL:     "http://localhost:8080",
		DataDir:        "./data",
		RequestTimeout: 15 * time.Second,
		MaxRetries:     5,
		BackoffMin:     2 * time.Second,
		BackoffMax:     5 * time.Minute,
		DrainInterval:  time.Minute,
		ProbeInterval:  30 * time.Second,
		MaxQueueSize:   1000,
		LogLevel:       "INFO",
	}
}

// Load reads a YAML config file and applies environment overrides on
// top of the defaults. A missing file is not an error; the defaults
// plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config values from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FIELDSYNC_API_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("FIELDSYNC_REALTIME_URL"); v != "" {
		cfg.RealtimeURL = v
	}
	if v := os.Getenv("FIELDSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FIELDSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FIELDSYNC_PROBE_URL"); v != "" {
		cfg.ProbeURL = v
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url must be set")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive")
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("backoff bounds invalid: min=%s max=%s", c.BackoffMin, c.BackoffMax)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive")
	}
	return nil
}
