package app

import (
	"flag"
	"fmt"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"

	"github.com/sagalog/saga/pkg/util"

	"github.com/sagalog/saga/modules/alarms"
	"github.com/sagalog/saga/modules/bufferer"
	"github.com/sagalog/saga/modules/cluster"
	"github.com/sagalog/saga/modules/health"
	"github.com/sagalog/saga/modules/livetail"
	"github.com/sagalog/saga/modules/querier"
	"github.com/sagalog/saga/modules/retention"
	"github.com/sagalog/saga/modules/sources"
	"github.com/sagalog/saga/pkg/searchcache"
	"github.com/sagalog/saga/sagadb"
	"github.com/sagalog/saga/sagadb/archive"
)

const metricsNamespace = "saga"

// RedactionConfig lists the metadata keys and free-text patterns masked
// before anything reaches the index.
type RedactionConfig struct {
	SensitiveKeys []string `yaml:"sensitive_keys"`
	Patterns      []string `yaml:"patterns"`
}

// Config is the root configuration of the saga binary.
type Config struct {
	Target string `yaml:"target"`

	Server    server.Config      `yaml:"server"`
	DB        sagadb.Config      `yaml:"db"`
	Archive   archive.Config     `yaml:"archive"`
	Cache     searchcache.Config `yaml:"cache"`
	Buffer    bufferer.Config    `yaml:"buffer"`
	Sources   sources.Config     `yaml:"sources"`
	Querier   querier.Config     `yaml:"querier"`
	Alarms    alarms.Config      `yaml:"alarms"`
	Cluster   cluster.Config     `yaml:"cluster"`
	LiveTail  livetail.Config    `yaml:"live_tail"`
	Health    health.Config      `yaml:"health"`
	Redaction RedactionConfig    `yaml:"redaction"`

	RetentionPolicies []retention.Policy `yaml:"retention_policies"`
}

// RegisterFlagsAndApplyDefaults registers the flags of every component and
// applies their defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = All

	// global settings
	f.StringVar(&c.Target, "target", c.Target, "target module")

	// server settings
	flagext.DefaultValues(&c.Server)
	c.Server.LogLevel.RegisterFlags(f)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 3080, "HTTP server listen port.")

	c.DB.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "db"), f)
	c.Archive.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "archive"), f)
	c.Cache.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "cache"), f)
	c.Buffer.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "buffer"), f)
	c.Sources.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "sources"), f)
	c.Querier.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "querier"), f)
	c.Alarms.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "alarms"), f)
	c.Cluster.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "cluster"), f)
	c.LiveTail.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "live-tail"), f)
	c.Health.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "health"), f)
}

// Validate checks every component config and returns the first error.
func (c *Config) Validate() error {
	checks := []struct {
		name string
		err  error
	}{
		{"db", c.DB.Validate()},
		{"archive", c.Archive.Validate()},
		{"cache", c.Cache.Validate()},
		{"buffer", c.Buffer.Validate()},
		{"sources", c.Sources.Validate()},
		{"querier", c.Querier.Validate()},
		{"alarms", c.Alarms.Validate()},
		{"cluster", c.Cluster.Validate()},
		{"live_tail", c.LiveTail.Validate()},
		{"health", c.Health.Validate()},
	}
	for _, check := range checks {
		if check.err != nil {
			return fmt.Errorf("invalid %s config: %w", check.name, check.err)
		}
	}
	return nil
}
