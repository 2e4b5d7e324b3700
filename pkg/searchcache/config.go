package searchcache

import (
	"flag"
	"fmt"
	"time"
)

type Config struct {
	Enabled         bool          `yaml:"enabled"`
	MaxSize         int           `yaml:"max_size"`
	Expiration      time.Duration `yaml:"expiration"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Enabled = true
	cfg.MaxSize = 100
	cfg.Expiration = 5 * time.Minute
	cfg.CleanupInterval = time.Minute

	f.BoolVar(&cfg.Enabled, prefix+".enabled", cfg.Enabled, "Enable the search result cache.")
	f.IntVar(&cfg.MaxSize, prefix+".max-size", cfg.MaxSize, "Maximum number of cached query results.")
	f.DurationVar(&cfg.Expiration, prefix+".expiration", cfg.Expiration, "Idle time after which a cached result expires.")
	f.DurationVar(&cfg.CleanupInterval, prefix+".cleanup-interval", cfg.CleanupInterval, "How often expired entries are swept.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxSize <= 0 {
		return fmt.Errorf("max_size must be greater than 0, got %d", cfg.MaxSize)
	}
	if cfg.Expiration <= 0 {
		return fmt.Errorf("expiration must be greater than 0, got %s", cfg.Expiration)
	}
	if cfg.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be greater than 0, got %s", cfg.CleanupInterval)
	}
	return nil
}
