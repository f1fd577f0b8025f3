// Package config loads the process configuration from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/cainiaofei/mongo/core/oplog"
	"github.com/cainiaofei/mongo/pkg/logger"
	"github.com/cainiaofei/mongo/pkg/telemetry"
)

// OplogConfig holds the operation-log settings.
type OplogConfig struct {
	// Dir is the directory holding the log segments.
	Dir string `yaml:"dir"`
	// Format selects the transaction entry shape: "packed" or "chained".
	Format oplog.EntryFormat `yaml:"format"`
	// MaxEntrySizeBytes caps one serialized entry. Zero means the default.
	MaxEntrySizeBytes int `yaml:"max_entry_size_bytes"`
	// SegmentSizeLimitBytes caps one segment file. Zero means the default.
	SegmentSizeLimitBytes int64 `yaml:"segment_size_limit_bytes"`
}

// Config is the top-level process configuration.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Oplog     OplogConfig      `yaml:"oplog"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:     false,
			ServiceName: "oplog",
		},
		Oplog: OplogConfig{
			Dir:               "data/oplog",
			Format:            oplog.FormatPacked,
			MaxEntrySizeBytes: oplog.MaxEntrySize,
		},
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (Config, error) {
	conf := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return conf, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := conf.Validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

// Validate checks the loaded configuration.
func (c Config) Validate() error {
	if err := c.Oplog.Format.Validate(); err != nil {
		return fmt.Errorf("oplog config: %w", err)
	}
	if c.Oplog.Dir == "" {
		return fmt.Errorf("oplog config: dir must be set")
	}
	if c.Oplog.MaxEntrySizeBytes < 0 {
		return fmt.Errorf("oplog config: max_entry_size_bytes must not be negative")
	}
	return nil
}
