// Package config loads the configuration of the ptdriver binary: an optional
// YAML file, overridden by PTDRIVER_* environment variables, completed by
// defaults and, for what only the operator can know, interactive prompts.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/go-digitaltwin/go-physicaltwin"
	"github.com/go-digitaltwin/go-physicaltwin/device"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PTDRIVER_"

// Store kinds.
const (
	StoreNeo4j = "neo4j"
	StoreRedis = "redis"
)

// Config is the whole configuration of the run command. The store commands
// only read Store.
type Config struct {
	TwinID       string          `yaml:"twin_id" env:"TWIN_ID"`
	PollInterval time.Duration   `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// In-process pubsub topic (mem://name) receiving an event per record.
	EventsURL    string          `yaml:"events_url" env:"EVENTS_URL"`
	Device       DeviceConfig    `yaml:"device" envPrefix:"DEVICE_"`
	Store        StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Telemetry    TelemetryConfig `yaml:"telemetry" envPrefix:"OTEL_"`
}

// DeviceConfig says how to reach the robot. The serial settings are ignored
// for network targets.
type DeviceConfig struct {
	// A serial port path, or tcp://host:port for a network bridge.
	Target      string        `yaml:"target" env:"TARGET"`
	BaudRate    int           `yaml:"baud_rate" env:"BAUD_RATE"`
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	SettleTime  time.Duration `yaml:"settle_time" env:"SETTLE_TIME"`
}

// StoreConfig locates the data lake. Kind is one of the store kinds above.
type StoreConfig struct {
	Kind string `yaml:"kind" env:"KIND"`
	// host:port, or a complete URI.
	Address  string `yaml:"address" env:"ADDRESS"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	// Neo4j database name, or Redis database number.
	Database string `yaml:"database" env:"DATABASE"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	// OTLP/HTTP endpoint receiving traces; tracing is off when empty.
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Load reads the YAML file at path, when path is not empty, then applies the
// environment and the defaults. It does not validate: values may still be
// missing until Prompt.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse %v: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = physicaltwin.DefaultPollInterval
	}
	if c.Device.BaudRate == 0 {
		c.Device.BaudRate = device.DefaultBaudRate
	}
	if c.Device.ReadTimeout == 0 {
		c.Device.ReadTimeout = device.DefaultReadTimeout
	}
	if c.Device.SettleTime == 0 {
		c.Device.SettleTime = device.DefaultSettleTime
	}
	if c.Store.Kind == "" {
		c.Store.Kind = StoreNeo4j
	}
	if c.Store.Kind == StoreNeo4j && c.Store.Database == "" {
		c.Store.Database = "neo4j"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "ptdriver"
	}
}

// Validate reports the first missing or invalid value.
func (c *Config) Validate() error {
	if c.TwinID == "" {
		return errors.New("twin_id is required")
	}
	if c.PollInterval < 0 {
		return errors.New("poll_interval must not be negative")
	}
	if c.Device.Target == "" {
		return errors.New("device.target is required")
	}
	if c.Device.ReadTimeout < 0 {
		return errors.New("device.read_timeout must not be negative")
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// Validate reports the first missing or invalid store value. The CLI commands
// that only touch the store need nothing else.
func (s StoreConfig) Validate() error {
	switch s.Kind {
	case StoreNeo4j, StoreRedis:
	default:
		return fmt.Errorf("kind %q is neither %v nor %v", s.Kind, StoreNeo4j, StoreRedis)
	}
	if s.Address == "" {
		return errors.New("address is required")
	}
	return nil
}

// DefaultPort returns the port a store of this kind listens on by default.
func (s StoreConfig) DefaultPort() string {
	if s.Kind == StoreRedis {
		return "6379"
	}
	return "7687"
}

// URI returns the address of the store as a URI for its client.
func (s StoreConfig) URI() string {
	if strings.Contains(s.Address, "://") {
		return s.Address
	}
	addr := s.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, s.DefaultPort())
	}
	return s.Kind + "://" + addr
}
