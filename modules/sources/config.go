package sources

import (
	"flag"
	"fmt"
	"time"
)

// Source types.
const (
	SourceTypeDirectory = "DIRECTORY"
	SourceTypeSyslog    = "SYSLOG"
	SourceTypeCloud     = "CLOUD"
)

// SourceConfig declares one ingest source. Fields beyond ID/Name/Type apply
// per source type.
type SourceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// DIRECTORY
	Directory string `yaml:"directory"`

	// SYSLOG
	Protocol string `yaml:"protocol"`
	Port     int    `yaml:"port"`

	// CLOUD
	LogGroup  string `yaml:"log_group"`
	LogStream string `yaml:"log_stream"`
}

func (c *SourceConfig) validate() error {
	if c.ID == "" {
		return fmt.Errorf("source id is required")
	}
	switch c.Type {
	case SourceTypeDirectory:
		if c.Directory == "" {
			return fmt.Errorf("source %s: directory is required", c.ID)
		}
	case SourceTypeSyslog:
		if c.Protocol != "udp" && c.Protocol != "tcp" {
			return fmt.Errorf("source %s: protocol must be udp or tcp, got %q", c.ID, c.Protocol)
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("source %s: invalid port %d", c.ID, c.Port)
		}
	case SourceTypeCloud:
		if c.LogGroup == "" {
			return fmt.Errorf("source %s: log_group is required", c.ID)
		}
	default:
		return fmt.Errorf("source %s: unknown type %q", c.ID, c.Type)
	}
	return nil
}

type Config struct {
	ScanInterval  time.Duration     `yaml:"scan_interval"`
	FetchInterval time.Duration     `yaml:"fetch_interval"`
	Sources       []SourceConfig    `yaml:"sources"`
	Coordinator   CoordinatorConfig `yaml:"horizontal_scaling"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.ScanInterval = 60 * time.Second
	cfg.FetchInterval = time.Minute

	f.DurationVar(&cfg.ScanInterval, prefix+".scan-interval", cfg.ScanInterval, "Interval between directory scans.")
	f.DurationVar(&cfg.FetchInterval, prefix+".fetch-interval", cfg.FetchInterval, "Interval between cloud log fetches.")

	cfg.Coordinator.RegisterFlagsAndApplyDefaults(prefix+".horizontal-scaling", f)
}

func (cfg *Config) Validate() error {
	if cfg.ScanInterval <= 0 {
		return fmt.Errorf("scan_interval must be greater than 0, got %s", cfg.ScanInterval)
	}
	if cfg.FetchInterval <= 0 {
		return fmt.Errorf("fetch_interval must be greater than 0, got %s", cfg.FetchInterval)
	}
	seen := map[string]struct{}{}
	for i := range cfg.Sources {
		if err := cfg.Sources[i].validate(); err != nil {
			return err
		}
		if _, ok := seen[cfg.Sources[i].ID]; ok {
			return fmt.Errorf("duplicate source id %q", cfg.Sources[i].ID)
		}
		seen[cfg.Sources[i].ID] = struct{}{}
	}
	return cfg.Coordinator.Validate()
}
