package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ringkv/internal/config"
)

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "path to the YAML config file")

	f.String("node-id", "", "replica id (random uuid if empty)")
	f.String("host", "", "address the HTTP server binds")
	f.String("advertise-host", "", "host other replicas use to reach this one")
	f.Int("port", 0, "HTTP port")

	f.String("coordinator", "", "membership coordinator address; empty boots from the ring flags")
	f.Int("capacity", 0, "number of ring slots")
	f.Int("slot", 0, "ring slot of this replica")
	f.Int("n", 0, "replicas per key")
	f.Int("w", 0, "write quorum")
	f.Int("r", 0, "read quorum")
	f.String("seeds", "", "comma separated seed replicas, ID=HOST:PORT@SLOT")

	f.Bool("gossip", true, "run the gossip loop")
	f.Duration("gossip-interval", 0, "time between gossip rounds")
	f.Duration("peer-timeout", 0, "timeout of replica-to-replica requests")

	f.Bool("metrics", true, "expose Prometheus metrics")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("log-format", "", "json or console")
}

// initViper wires flags and RINGKV_* environment variables.
func initViper(cmd *cobra.Command) (*viper.Viper, error) {
	// both files are optional
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix("ringkv")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	return v, nil
}

// loadConfig reads the file named by --config and applies every flag or
// environment variable that was explicitly set on top of it.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadConfig(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, v); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, v *viper.Viper) error {
	setString := func(key string, dst *string) {
		if v.IsSet(key) && v.GetString(key) != "" {
			*dst = v.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	setString("node-id", &cfg.Server.NodeID)
	setString("host", &cfg.Server.Host)
	setString("advertise-host", &cfg.Server.AdvertiseHost)
	setInt("port", &cfg.Server.Port)

	setString("coordinator", &cfg.Coordinator.Address)
	setInt("capacity", &cfg.Ring.Capacity)
	setInt("slot", &cfg.Ring.Slot)
	setInt("n", &cfg.Ring.N)
	setInt("w", &cfg.Ring.W)
	setInt("r", &cfg.Ring.R)
	if v.IsSet("seeds") {
		seeds, err := parseSeeds(v.GetString("seeds"))
		if err != nil {
			return err
		}
		cfg.Ring.Seeds = seeds
	}

	if v.IsSet("gossip") {
		cfg.Gossip.Enabled = v.GetBool("gossip")
	}
	if v.IsSet("gossip-interval") && v.GetDuration("gossip-interval") > 0 {
		cfg.Gossip.Interval = v.GetDuration("gossip-interval")
	}
	if v.IsSet("peer-timeout") && v.GetDuration("peer-timeout") > 0 {
		cfg.Peer.Timeout = v.GetDuration("peer-timeout")
	}

	if v.IsSet("metrics") {
		cfg.Metrics.Enabled = v.GetBool("metrics")
	}
	setString("log-level", &cfg.Logging.Level)
	setString("log-format", &cfg.Logging.Format)
	return nil
}

// parseSeeds parses "R1=10.0.0.1:7000@0,R2=10.0.0.2:7000@3".
func parseSeeds(s string) ([]config.SeedConfig, error) {
	var seeds []config.SeedConfig
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		id, rest, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid seed %q (expected ID=HOST:PORT@SLOT)", item)
		}
		addr, slotStr, ok := strings.Cut(rest, "@")
		if !ok {
			return nil, fmt.Errorf("invalid seed %q: missing @SLOT", item)
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid seed %q: %w", item, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid seed %q: bad port: %w", item, err)
		}
		slot, err := strconv.Atoi(slotStr)
		if err != nil {
			return nil, fmt.Errorf("invalid seed %q: bad slot: %w", item, err)
		}

		seeds = append(seeds, config.SeedConfig{ID: strings.TrimSpace(id), Host: host, Port: port, Slot: slot})
	}
	return seeds, nil
}
