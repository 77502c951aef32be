// Package config provides configuration parsing and validation for an
// SST host.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netsteria/sst/internal/flow"
	"github.com/netsteria/sst/internal/sock"
)

// Config represents the complete host configuration.
type Config struct {
	// Port is the preferred UDP bind port; the host falls back to an
	// ephemeral port when it is taken.
	Port uint16 `yaml:"port"`

	// DataDir holds the persisted identity ("identity" option).
	DataDir string `yaml:"data_dir"`

	// RegServers lists rendezvous servers to register with and
	// query for peer lookup.
	RegServers []string `yaml:"regservers"`

	// Profile is an opaque self-description conveyed to peers.
	Profile string `yaml:"profile"`

	// CCMode selects congestion control: reno, vegas, power, fixed.
	CCMode string `yaml:"cc_mode"`

	// FixedWindow pins the congestion window in fixed mode.
	FixedWindow uint32 `yaml:"fixed_window"`

	// DelayedAck enables delayed acknowledgments.
	DelayedAck bool `yaml:"delayed_ack"`

	// Timer bounds, in microseconds to match the wire heritage;
	// zero values use the built-in defaults.
	RetryMinUsec int64 `yaml:"retry_min"`
	RetryMaxUsec int64 `yaml:"retry_max"`
	FailMaxUsec  int64 `yaml:"fail_max"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP listen address for /metrics; empty
	// disables the endpoint.
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:       9669,
		DataDir:    defaultDataDir(),
		CCMode:     "reno",
		DelayedAck: true,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.sst"
	}
	return ".sst"
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, ok := flow.ParseCCMode(c.CCMode); !ok {
		return fmt.Errorf("unknown cc_mode %q", c.CCMode)
	}
	if c.CCMode == "fixed" && c.FixedWindow == 0 {
		return fmt.Errorf("cc_mode fixed requires fixed_window")
	}
	for _, rs := range c.RegServers {
		if _, err := sock.ParseEndpoint(rs); err != nil {
			return fmt.Errorf("bad regserver %q: %w", rs, err)
		}
	}
	if c.RetryMinUsec < 0 || c.RetryMaxUsec < 0 || c.FailMaxUsec < 0 {
		return fmt.Errorf("timer bounds must be non-negative")
	}
	if c.RetryMaxUsec > 0 && c.RetryMinUsec > c.RetryMaxUsec {
		return fmt.Errorf("retry_min exceeds retry_max")
	}
	return nil
}

// CC returns the parsed congestion control mode.
func (c *Config) CC() flow.CCMode {
	mode, _ := flow.ParseCCMode(c.CCMode)
	return mode
}

// RetryMin returns the soft timer floor as a duration.
func (c *Config) RetryMin() time.Duration {
	return time.Duration(c.RetryMinUsec) * time.Microsecond
}

// RetryMax returns the backoff ceiling as a duration.
func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxUsec) * time.Microsecond
}

// FailMax returns the hard failure deadline as a duration.
func (c *Config) FailMax() time.Duration {
	return time.Duration(c.FailMaxUsec) * time.Microsecond
}
