package archive

import (
	"flag"
	"fmt"

	"github.com/klauspost/compress/flate"
)

type Config struct {
	Directory        string `yaml:"directory"`
	CompressionLevel int    `yaml:"compression_level"`
	AutoArchive      bool   `yaml:"auto_archive_enabled"`
	RetentionDays    int    `yaml:"retention_days"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Directory = "./saga-archive"
	cfg.CompressionLevel = flate.DefaultCompression
	cfg.AutoArchive = false
	cfg.RetentionDays = 90

	f.StringVar(&cfg.Directory, prefix+".directory", cfg.Directory, "Directory holding archive zip files.")
	f.IntVar(&cfg.CompressionLevel, prefix+".compression-level", cfg.CompressionLevel, "Deflate compression level, -1 for the library default.")
	f.BoolVar(&cfg.AutoArchive, prefix+".auto-archive-enabled", cfg.AutoArchive, "Archive records before retention deletes them.")
	f.IntVar(&cfg.RetentionDays, prefix+".retention-days", cfg.RetentionDays, "Days to keep archives before cold cleanup removes them.")
}

func (cfg *Config) Validate() error {
	if cfg.CompressionLevel < flate.DefaultCompression || cfg.CompressionLevel > flate.BestCompression {
		return fmt.Errorf("compression_level must be between %d and %d, got %d", flate.DefaultCompression, flate.BestCompression, cfg.CompressionLevel)
	}
	if cfg.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be greater than 0, got %d", cfg.RetentionDays)
	}
	return nil
}
