package sagadb

import (
	"flag"
	"fmt"
)

// Partition granularities.
const (
	PartitionDaily   = "DAILY"
	PartitionWeekly  = "WEEKLY"
	PartitionMonthly = "MONTHLY"
)

// Custom field types.
const (
	FieldTypeString  = "STRING"
	FieldTypeNumber  = "NUMBER"
	FieldTypeDate    = "DATE"
	FieldTypeBoolean = "BOOLEAN"
)

const (
	maxDocsPerPartition    = 1000
	maxDeletesPerPartition = 10000
)

// CustomField configures an extra indexed field extracted from record
// metadata into custom_<name>.
type CustomField struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Indexed   bool   `yaml:"indexed"`
	Stored    bool   `yaml:"stored"`
	Tokenized bool   `yaml:"tokenized"`
}

type PartitioningConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Type                string `yaml:"type"`
	BaseDir             string `yaml:"base_dir"`
	MaxActivePartitions int    `yaml:"max_active_partitions"`
	AutoArchive         bool   `yaml:"auto_archive"`
}

type Config struct {
	// IndexDir is used in single-index mode, when partitioning is disabled.
	IndexDir     string             `yaml:"index_dir"`
	Partitioning PartitioningConfig `yaml:"partitioning"`
	CustomFields []CustomField      `yaml:"custom_fields"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.IndexDir = "./saga-index"
	cfg.Partitioning.Enabled = true
	cfg.Partitioning.Type = PartitionDaily
	cfg.Partitioning.BaseDir = "./saga-partitions"
	cfg.Partitioning.MaxActivePartitions = 7
	cfg.Partitioning.AutoArchive = false

	f.StringVar(&cfg.IndexDir, prefix+".index-dir", cfg.IndexDir, "Index directory for single-index mode.")
	f.BoolVar(&cfg.Partitioning.Enabled, prefix+".partitioning.enabled", cfg.Partitioning.Enabled, "Partition the index by calendar bucket.")
	f.StringVar(&cfg.Partitioning.Type, prefix+".partitioning.type", cfg.Partitioning.Type, "Partition granularity: DAILY, WEEKLY or MONTHLY.")
	f.StringVar(&cfg.Partitioning.BaseDir, prefix+".partitioning.base-dir", cfg.Partitioning.BaseDir, "Base directory holding partition indexes.")
	f.IntVar(&cfg.Partitioning.MaxActivePartitions, prefix+".partitioning.max-active-partitions", cfg.Partitioning.MaxActivePartitions, "Maximum number of partitions kept open for read and write.")
	f.BoolVar(&cfg.Partitioning.AutoArchive, prefix+".partitioning.auto-archive", cfg.Partitioning.AutoArchive, "Archive a partition's records before it is rotated out.")
}

func (cfg *Config) Validate() error {
	switch cfg.Partitioning.Type {
	case PartitionDaily, PartitionWeekly, PartitionMonthly:
	default:
		return fmt.Errorf("unknown partitioning type %q", cfg.Partitioning.Type)
	}
	if cfg.Partitioning.Enabled && cfg.Partitioning.MaxActivePartitions <= 0 {
		return fmt.Errorf("max_active_partitions must be greater than 0, got %d", cfg.Partitioning.MaxActivePartitions)
	}
	for _, cf := range cfg.CustomFields {
		switch cf.Type {
		case FieldTypeString, FieldTypeNumber, FieldTypeDate, FieldTypeBoolean:
		default:
			return fmt.Errorf("custom field %q: unknown type %q", cf.Name, cf.Type)
		}
	}
	return nil
}
