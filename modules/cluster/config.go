package cluster

import (
	"flag"
	"fmt"
	"time"
)

// PeerConfig is a statically configured peer node.
type PeerConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

type Config struct {
	Enabled             bool          `yaml:"enabled"`
	NodeID              string        `yaml:"node_id"`
	NodeURL             string        `yaml:"node_url"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	LeaderCheckInterval time.Duration `yaml:"leader_check_interval"`
	Peers               []PeerConfig  `yaml:"peers"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.HeartbeatInterval = 5 * time.Second
	cfg.HeartbeatTimeout = 15 * time.Second
	cfg.LeaderCheckInterval = 10 * time.Second

	f.BoolVar(&cfg.Enabled, prefix+".enabled", cfg.Enabled, "Join a high-availability cluster.")
	f.StringVar(&cfg.NodeID, prefix+".node-id", cfg.NodeID, "Unique node id, derived from the hostname when empty.")
	f.StringVar(&cfg.NodeURL, prefix+".node-url", cfg.NodeURL, "URL peers use to reach this node.")
	f.DurationVar(&cfg.HeartbeatInterval, prefix+".heartbeat-interval", cfg.HeartbeatInterval, "Interval between heartbeats to peers.")
	f.DurationVar(&cfg.HeartbeatTimeout, prefix+".heartbeat-timeout", cfg.HeartbeatTimeout, "Nodes silent for longer than this are considered dead.")
	f.DurationVar(&cfg.LeaderCheckInterval, prefix+".leader-check-interval", cfg.LeaderCheckInterval, "Interval between leader elections.")
}

func (cfg *Config) Validate() error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be greater than 0, got %s", cfg.HeartbeatInterval)
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout must be greater than heartbeat_interval")
	}
	if cfg.LeaderCheckInterval <= 0 {
		return fmt.Errorf("leader_check_interval must be greater than 0, got %s", cfg.LeaderCheckInterval)
	}
	return nil
}
