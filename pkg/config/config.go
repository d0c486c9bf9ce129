package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepoll/internal/coordinator"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/devicefactory"
	"github.com/srg/blepoll/internal/driver"
	"github.com/srg/blepoll/internal/fountain"
	"github.com/srg/blepoll/internal/soiltester"
	"gopkg.in/yaml.v3"
)

// MinPollInterval is the shortest poll interval a device may be configured with.
const MinPollInterval = 30 * time.Second

// Config holds application configuration
type Config struct {
	LogLevel logrus.Level `yaml:"-"`

	Level          string        `yaml:"log_level" default:"info"`
	Backend        string        `yaml:"backend" default:"go-ble"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"20s"`
	CycleTimeout   time.Duration `yaml:"cycle_timeout" default:"10m"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" default:"5s"`
	StaleAfter     int           `yaml:"stale_after" default:"3"`

	Fountain   FountainConfig   `yaml:"fountain"`
	SoilTester SoilTesterConfig `yaml:"soil_tester"`
	Devices    []DeviceConfig   `yaml:"devices"`
}

// FountainConfig tunes the fountain protocol exchanges.
type FountainConfig struct {
	InitTimeout     time.Duration `yaml:"init_timeout" default:"30s"`
	CommandTimeout  time.Duration `yaml:"command_timeout" default:"10s"`
	Retries         int           `yaml:"retries" default:"3"`
	RetryDelay      time.Duration `yaml:"retry_delay" default:"2s"`
	// DatetimeTimeout bounds the clock-sync reply, which some firmware never sends.
	DatetimeTimeout time.Duration `yaml:"datetime_timeout" default:"5s"`
	CommandGap      time.Duration `yaml:"command_gap" default:"500ms"`
}

// SoilTesterConfig tunes soil tester reads.
type SoilTesterConfig struct {
	Attempts    int           `yaml:"attempts" default:"3"`
	RetryDelay  time.Duration `yaml:"retry_delay" default:"2s"`
	ReadTimeout time.Duration `yaml:"read_timeout" default:"10s"`
}

// DeviceConfig describes one polled peripheral.
type DeviceConfig struct {
	Address      string        `yaml:"address"`
	Name         string        `yaml:"name"`
	Kind         string        `yaml:"kind" default:"petkit_fountain"`
	PollInterval time.Duration `yaml:"poll_interval" default:"60s"`
	MaxRetries   int           `yaml:"max_retries" default:"3"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.InfoLevel
	return cfg
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML configuration. Missing values take defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	defaults.SetDefaults(cfg)
	for i := range cfg.Devices {
		defaults.SetDefaults(&cfg.Devices[i])
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks global settings and every device; all problems are reported.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(devicefactory.Backends(), strings.ToLower(c.Backend)) {
		errs = append(errs, fmt.Errorf("unknown backend %q (supported: %s)", c.Backend, strings.Join(devicefactory.Backends(), ", ")))
	}
	if c.StaleAfter < 0 {
		errs = append(errs, fmt.Errorf("stale_after must not be negative"))
	}

	seen := make(map[string]int, len(c.Devices))
	for i, d := range c.Devices {
		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("devices[%d]: %w", i, err))
			continue
		}
		id := device.NormalizeAddress(d.Address)
		if j, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("devices[%d]: address %s already used by devices[%d]", i, id, j))
		}
		seen[id] = i
	}
	return errors.Join(errs...)
}

// Warnings lists settings that are valid but work against each other.
func (c *Config) Warnings() []string {
	var out []string
	budget := c.ConnectTimeout + c.DriverOptions().Fountain.CycleBudget()
	if c.CycleTimeout < budget {
		out = append(out, fmt.Sprintf(
			"cycle_timeout %s is shorter than a fountain cycle with every retry used (%s); late retries will be cut off",
			c.CycleTimeout, budget))
	}
	return out
}

// Validate checks one device entry.
func (d DeviceConfig) Validate() error {
	if err := device.ValidateAddress(d.Address); err != nil {
		return err
	}
	if _, err := driver.ParseKind(d.Kind); err != nil {
		return err
	}
	if d.PollInterval < MinPollInterval {
		return fmt.Errorf("poll_interval %s is below the minimum %s", d.PollInterval, MinPollInterval)
	}
	if d.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	return nil
}

// Device converts the entry for the coordinator.
func (d DeviceConfig) Device() (coordinator.Device, error) {
	kind, err := driver.ParseKind(d.Kind)
	if err != nil {
		return coordinator.Device{}, err
	}
	return coordinator.Device{
		Address:      device.NormalizeAddress(d.Address),
		Name:         d.Name,
		Kind:         kind,
		PollInterval: d.PollInterval,
		MaxRetries:   d.MaxRetries,
	}, nil
}

// CoordinatorDevices converts every device entry.
func (c *Config) CoordinatorDevices() ([]coordinator.Device, error) {
	out := make([]coordinator.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		cd, err := d.Device()
		if err != nil {
			return nil, err
		}
		out = append(out, cd)
	}
	return out, nil
}

// CoordinatorOptions returns the scheduling options.
func (c *Config) CoordinatorOptions() coordinator.Options {
	return coordinator.Options{
		ConnectTimeout:  c.ConnectTimeout,
		CycleTimeout:    c.CycleTimeout,
		RetryBackoff:    c.RetryBackoff,
		MinPollInterval: MinPollInterval,
		StaleAfter:      c.StaleAfter,
	}
}

// DriverOptions returns the per-family driver options.
func (c *Config) DriverOptions() devicefactory.DriverOptions {
	return devicefactory.DriverOptions{
		Fountain: fountain.Options{
			InitTimeout:     c.Fountain.InitTimeout,
			CommandTimeout:  c.Fountain.CommandTimeout,
			Retries:         c.Fountain.Retries,
			RetryDelay:      c.Fountain.RetryDelay,
			DatetimeTimeout: c.Fountain.DatetimeTimeout,
			CommandGap:      c.Fountain.CommandGap,
		},
		SoilTester: soiltester.Options{
			Attempts:    c.SoilTester.Attempts,
			RetryDelay:  c.SoilTester.RetryDelay,
			ReadTimeout: c.SoilTester.ReadTimeout,
		},
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
