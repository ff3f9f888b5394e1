// Package config loads and validates the engine's configuration from a
// config.yaml file. A missing file yields the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"converge/pkg/logging"
)

// Duration wraps time.Duration so YAML can carry values like "30s" or "16m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level configuration structure for converge.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Election   ElectionConfig   `yaml:"election"`
	Metrics    MetricsConfig    `yaml:"metrics"`

	// LogLevel is one of debug, info, warn, error (default: info).
	LogLevel string `yaml:"logLevel,omitempty"`

	// ShutdownGrace bounds how long a stopping engine waits for in-flight
	// reconciles to drain (default: 30s).
	ShutdownGrace Duration `yaml:"shutdownGrace,omitempty"`
}

// ControllerConfig tunes the reconcile loops.
type ControllerConfig struct {
	Workers     int      `yaml:"workers,omitempty"`     // Reconcile workers per controller (default: 2)
	Resync      Duration `yaml:"resync,omitempty"`      // Periodic full resync interval (default: 30s)
	BackoffBase Duration `yaml:"backoffBase,omitempty"` // First retry delay (default: 5ms)
	BackoffMax  Duration `yaml:"backoffMax,omitempty"`  // Retry delay cap (default: 16m)
}

// ElectionConfig tunes lease-based leader election.
type ElectionConfig struct {
	Enabled       bool     `yaml:"enabled,omitempty"`       // Gate reconciling behind a lease (default: false)
	LeaseName     string   `yaml:"leaseName,omitempty"`     // Lease record name (default: converge-controllers)
	Identity      string   `yaml:"identity,omitempty"`      // Holder identity (default: hostname + random suffix)
	LeaseDuration Duration `yaml:"leaseDuration,omitempty"` // Lease validity window (default: 15s)
	RenewInterval Duration `yaml:"renewInterval,omitempty"` // Holder renew cadence (default: 10s)
	PollInterval  Duration `yaml:"pollInterval,omitempty"`  // Candidate poll cadence (default: 2s)
}

// MetricsConfig tunes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled,omitempty"`       // Serve /metrics (default: true)
	ListenAddress string `yaml:"listenAddress,omitempty"` // Address for the metrics listener (default: :9090)
}

// Default returns the configuration used when no config file exists.
func Default() Config {
	return Config{
		Controller: ControllerConfig{
			Workers:     2,
			Resync:      Duration(30 * time.Second),
			BackoffBase: Duration(5 * time.Millisecond),
			BackoffMax:  Duration(16 * time.Minute),
		},
		Election: ElectionConfig{
			LeaseName:     "converge-controllers",
			LeaseDuration: Duration(15 * time.Second),
			RenewInterval: Duration(10 * time.Second),
			PollInterval:  Duration(2 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
		},
		LogLevel:      "info",
		ShutdownGrace: Duration(30 * time.Second),
	}
}

// Load reads the configuration file at path, layering it over the defaults.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("Config", "no config file at %s, using defaults", path)
			return cfg, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("loading config from %s: %w", path, err)
	}
	logging.Info("Config", "loaded configuration from %s", path)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.Controller.Workers <= 0 {
		return fmt.Errorf("controller.workers must be positive, got %d", c.Controller.Workers)
	}
	if c.Controller.Resync <= 0 {
		return fmt.Errorf("controller.resync must be positive, got %s", c.Controller.Resync.Std())
	}
	if c.Controller.BackoffBase <= 0 || c.Controller.BackoffMax < c.Controller.BackoffBase {
		return fmt.Errorf("controller backoff must satisfy 0 < base <= max, got base %s max %s",
			c.Controller.BackoffBase.Std(), c.Controller.BackoffMax.Std())
	}
	if c.Election.Enabled {
		if c.Election.LeaseName == "" {
			return fmt.Errorf("election.leaseName must be set when election is enabled")
		}
		if c.Election.LeaseDuration.Std() < time.Second {
			return fmt.Errorf("election.leaseDuration must be at least 1s, got %s", c.Election.LeaseDuration.Std())
		}
		if c.Election.RenewInterval >= c.Election.LeaseDuration {
			return fmt.Errorf("election.renewInterval (%s) must be shorter than leaseDuration (%s)",
				c.Election.RenewInterval.Std(), c.Election.LeaseDuration.Std())
		}
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics.listenAddress must be set when metrics are enabled")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdownGrace must be positive, got %s", c.ShutdownGrace.Std())
	}
	return nil
}
