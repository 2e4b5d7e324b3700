package querier

import (
	"flag"
	"fmt"
	"time"
)

// Sharding types.
const (
	ShardingTimeBased   = "TIME_BASED"
	ShardingSourceBased = "SOURCE_BASED"
	ShardingBalanced    = "BALANCED"
)

// NodeConfig is a statically configured shard node. Cluster membership adds
// and removes nodes at runtime on top of these.
type NodeConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

type ShardConfig struct {
	Enabled        bool         `yaml:"enabled"`
	LocalNodeID    string       `yaml:"local_node_id"`
	LocalNodeURL   string       `yaml:"local_node_url"`
	Type           string       `yaml:"type"`
	NumberOfShards int          `yaml:"number_of_shards"`
	Nodes          []NodeConfig `yaml:"nodes"`
}

type Config struct {
	Sharding      ShardConfig   `yaml:"sharding"`
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Sharding.Type = ShardingBalanced
	cfg.RemoteTimeout = 10 * time.Second

	f.BoolVar(&cfg.Sharding.Enabled, prefix+".sharding.enabled", cfg.Sharding.Enabled, "Fan searches out across shard nodes.")
	f.StringVar(&cfg.Sharding.LocalNodeID, prefix+".sharding.local-node-id", cfg.Sharding.LocalNodeID, "Id of this node in the shard node list.")
	f.StringVar(&cfg.Sharding.LocalNodeURL, prefix+".sharding.local-node-url", cfg.Sharding.LocalNodeURL, "URL peers use to reach this node.")
	f.StringVar(&cfg.Sharding.Type, prefix+".sharding.type", cfg.Sharding.Type, "Shard selection: TIME_BASED, SOURCE_BASED or BALANCED.")
	f.IntVar(&cfg.Sharding.NumberOfShards, prefix+".sharding.number-of-shards", cfg.Sharding.NumberOfShards, "Shard count used by TIME_BASED selection.")
	f.DurationVar(&cfg.RemoteTimeout, prefix+".remote-timeout", cfg.RemoteTimeout, "Per-node deadline for remote shard searches.")
}

func (cfg *Config) Validate() error {
	switch cfg.Sharding.Type {
	case ShardingTimeBased, ShardingSourceBased, ShardingBalanced:
	default:
		return fmt.Errorf("unknown sharding type %q", cfg.Sharding.Type)
	}
	if cfg.RemoteTimeout <= 0 {
		return fmt.Errorf("remote_timeout must be greater than 0, got %s", cfg.RemoteTimeout)
	}
	return nil
}
