package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete bbq configuration
type Config struct {
	Name          string         `yaml:"name"`           // Base name of the shared objects
	Dir           string         `yaml:"dir"`            // Directory holding the named objects (default: /dev/shm)
	Capacity      int            `yaml:"capacity"`       // Number of slots (producer only)
	AttachTimeout time.Duration  `yaml:"attach_timeout"` // Wait for a segment that is still initializing
	PollInterval  time.Duration  `yaml:"poll_interval"`  // How often blocked waits re-check for shutdown
	LogLevel      string         `yaml:"log_level"`      // debug, info, warn, error
	Producer      ProducerConfig `yaml:"producer"`
	Consumer      ConsumerConfig `yaml:"consumer"`
}

// ProducerConfig contains producer loop settings
type ProducerConfig struct {
	Count int           `yaml:"count"` // Items to produce, 0 = until stopped
	Start int64         `yaml:"start"` // First item value
	Delay time.Duration `yaml:"delay"` // Simulated work between items
}

// ConsumerConfig contains consumer loop settings
type ConsumerConfig struct {
	Count int           `yaml:"count"` // Items to consume, 0 = until stopped
	Delay time.Duration `yaml:"delay"` // Simulated work after each item
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Name:          "bbq",
		Capacity:      10,
		AttachTimeout: 5 * time.Second,
		PollInterval:  50 * time.Millisecond,
		LogLevel:      "info",
		Producer: ProducerConfig{
			Count: 25,
			Start: 1,
		},
		Consumer: ConsumerConfig{
			Count: 25,
		},
	}
}

// Load reads configuration from a YAML file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if strings.ContainsRune(c.Name, '/') {
		return fmt.Errorf("name %q must not contain '/'", c.Name)
	}
	if c.Capacity <= 0 || uint64(c.Capacity) > math.MaxUint32 {
		return fmt.Errorf("capacity must be in 1..%d, got %d", uint64(math.MaxUint32), c.Capacity)
	}
	if c.AttachTimeout < 0 {
		return errors.New("attach_timeout must not be negative")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.Producer.Count < 0 || c.Consumer.Count < 0 {
		return errors.New("producer/consumer count must not be negative")
	}
	if c.Producer.Delay < 0 || c.Consumer.Delay < 0 {
		return errors.New("producer/consumer delay must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", s)
	}
	return level, nil
}
