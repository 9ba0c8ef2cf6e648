// Package config loads the YAML configuration of a replica.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`           // bind address
	AdvertiseHost   string        `yaml:"advertise_host"` // host other replicas dial
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SeedConfig describes a replica known at boot.
type SeedConfig struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Slot int    `yaml:"slot"`
}

// RingConfig holds the ring parameters used when no coordinator is configured.
// With a coordinator, everything but Capacity comes from registration.
type RingConfig struct {
	Capacity int          `yaml:"capacity"`
	Slot     int          `yaml:"slot"`
	N        int          `yaml:"n"`
	W        int          `yaml:"w"`
	R        int          `yaml:"r"`
	Seeds    []SeedConfig `yaml:"seeds"`
}

// CoordinatorConfig holds membership coordinator client configuration
type CoordinatorConfig struct {
	Address string        `yaml:"address"` // empty: boot from ring.*
	Timeout time.Duration `yaml:"timeout"`
}

// GossipConfig holds gossip loop configuration
type GossipConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// PeerConfig holds replica-to-replica client configuration
type PeerConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// Config represents the complete configuration of a replica
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Ring        RingConfig        `yaml:"ring"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Peer        PeerConfig        `yaml:"peer"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			AdvertiseHost:   "127.0.0.1",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Ring: RingConfig{
			Capacity: 8,
			N:        3,
			W:        2,
			R:        2,
		},
		Coordinator: CoordinatorConfig{Timeout: 5 * time.Second},
		Gossip:      GossipConfig{Enabled: true, Interval: time.Second},
		Peer:        PeerConfig{Timeout: 5 * time.Second},
		Metrics:     MetricsConfig{Enabled: true, Path: "/metrics"},
		Logging:     LoggingConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig loads configuration from a file. An empty path yields the
// defaults.
func LoadConfig(filePath string) (*Config, error) {
	cfg := Default()

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults fills values explicitly zeroed in the file
func setDefaults(cfg *Config) {
	def := Default()

	if cfg.Server.NodeID == "" {
		cfg.Server.NodeID = uuid.NewString()
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.AdvertiseHost == "" {
		cfg.Server.AdvertiseHost = def.Server.AdvertiseHost
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Coordinator.Timeout == 0 {
		cfg.Coordinator.Timeout = def.Coordinator.Timeout
	}
	if cfg.Gossip.Interval == 0 {
		cfg.Gossip.Interval = def.Gossip.Interval
	}
	if cfg.Peer.Timeout == 0 {
		cfg.Peer.Timeout = def.Peer.Timeout
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = def.Metrics.Path
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}

	r := c.Ring
	if r.Capacity < 1 {
		return errors.New("ring.capacity must be at least 1")
	}
	if c.Coordinator.Address == "" {
		if r.Slot < 0 || r.Slot >= r.Capacity {
			return fmt.Errorf("ring.slot must be in [0, %d)", r.Capacity)
		}
		if r.N < 1 || r.N > r.Capacity {
			return fmt.Errorf("ring.n must be in [1, %d]", r.Capacity)
		}
		if r.W < 1 || r.W > r.N {
			return errors.New("ring.w must be in [1, ring.n]")
		}
		if r.R < 1 || r.R > r.N {
			return errors.New("ring.r must be in [1, ring.n]")
		}
	}
	for i, s := range r.Seeds {
		if s.ID == "" || s.Host == "" {
			return fmt.Errorf("ring.seeds[%d]: id and host are required", i)
		}
		if s.Slot < 0 || s.Slot >= r.Capacity {
			return fmt.Errorf("ring.seeds[%d]: slot must be in [0, %d)", i, r.Capacity)
		}
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// Warnings lists legal but questionable settings.
func (c *Config) Warnings() []string {
	var out []string
	if c.Coordinator.Address == "" && c.Ring.R+c.Ring.W <= c.Ring.N {
		out = append(out, fmt.Sprintf("ring.r + ring.w <= ring.n (%d + %d <= %d): reads may miss acknowledged writes",
			c.Ring.R, c.Ring.W, c.Ring.N))
	}
	if !c.Gossip.Enabled {
		out = append(out, "gossip disabled: membership changes and hinted writes will not propagate")
	}
	return out
}

// Address is the host:port the HTTP server binds.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
