package alarms

import (
	"flag"
	"fmt"
	"time"
)

type Config struct {
	EvaluateInterval time.Duration `yaml:"evaluate_interval"`
	GroupInterval    time.Duration `yaml:"group_interval"`
	GroupingWindow   time.Duration `yaml:"grouping_window"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.EvaluateInterval = 60 * time.Second
	cfg.GroupInterval = 30 * time.Second
	cfg.GroupingWindow = 5 * time.Minute

	f.DurationVar(&cfg.EvaluateInterval, prefix+".evaluate-interval", cfg.EvaluateInterval, "Interval between alarm evaluations.")
	f.DurationVar(&cfg.GroupInterval, prefix+".group-interval", cfg.GroupInterval, "Interval between grouped delivery checks.")
	f.DurationVar(&cfg.GroupingWindow, prefix+".grouping-window", cfg.GroupingWindow, "Age a grouping bucket must reach before it is delivered.")
}

func (cfg *Config) Validate() error {
	if cfg.EvaluateInterval <= 0 {
		return fmt.Errorf("evaluate_interval must be greater than 0, got %s", cfg.EvaluateInterval)
	}
	if cfg.GroupInterval <= 0 {
		return fmt.Errorf("group_interval must be greater than 0, got %s", cfg.GroupInterval)
	}
	if cfg.GroupingWindow <= 0 {
		return fmt.Errorf("grouping_window must be greater than 0, got %s", cfg.GroupingWindow)
	}
	return nil
}
