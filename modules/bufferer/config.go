package bufferer

import (
	"flag"
	"fmt"
	"time"
)

type Config struct {
	MaxSize       int           `yaml:"max_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.MaxSize = 1000
	cfg.FlushInterval = 30 * time.Second

	f.IntVar(&cfg.MaxSize, prefix+".max-size", cfg.MaxSize, "Pending record count that triggers an immediate flush.")
	f.DurationVar(&cfg.FlushInterval, prefix+".flush-interval", cfg.FlushInterval, "Interval between periodic flushes.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxSize <= 0 {
		return fmt.Errorf("max_size must be greater than 0, got %d", cfg.MaxSize)
	}
	if cfg.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be greater than 0, got %s", cfg.FlushInterval)
	}
	return nil
}
