package storecore

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentic-substrate/storecore/internal/wal"
)

// DatabaseConfig configures an opened database. It is expressed the way
// the teacher's example config tables are — a plain struct with yaml
// tags, loaded from a file or constructed directly by the caller.
type DatabaseConfig struct {
	// Dir is the directory the WAL segments (and any future on-disk
	// indices) live under.
	Dir string `yaml:"dir"`

	// Durability selects the WAL fsync policy: "strict", "buffered", or
	// "none". Defaults to "buffered".
	Durability string `yaml:"durability"`

	// FlushIntervalMS is the Buffered mode's background fsync cadence in
	// milliseconds. Zero defaults to 100ms.
	FlushIntervalMS int `yaml:"flush_interval_ms"`

	// MaxSegmentBytes rotates the active WAL segment once it would
	// exceed this size. Zero disables rotation.
	MaxSegmentBytes int64 `yaml:"max_segment_bytes"`

	// RetentionVersions bounds how many commit versions of history are
	// kept below the current version before GC may reclaim them.
	RetentionVersions uint64 `yaml:"retention_versions"`

	// MaintenanceSchedule is a cron expression (robfig/cron "@every"
	// syntax accepted) governing the periodic GC sweep cadence. Empty
	// defaults to "@every 1m".
	MaintenanceSchedule string `yaml:"maintenance_schedule"`
}

// DefaultConfig returns the zero-config defaults: buffered durability,
// 100ms flush interval, no segment rotation, a generous retention
// window, and a once-a-minute maintenance sweep.
func DefaultConfig(dir string) DatabaseConfig {
	return DatabaseConfig{
		Dir:                 dir,
		Durability:          "buffered",
		FlushIntervalMS:     100,
		MaxSegmentBytes:     0,
		RetentionVersions:   100000,
		MaintenanceSchedule: "@every 1m",
	}
}

// LoadConfig reads and parses a YAML config file at path.
func LoadConfig(path string) (DatabaseConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return DatabaseConfig{}, New(CodeIO, fmt.Sprintf("read config %s", path), err)
	}
	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return DatabaseConfig{}, New(CodeInvalidArgument, "parse config yaml", err)
	}
	return cfg, nil
}

func (c DatabaseConfig) walMode() (wal.Mode, error) {
	return wal.ParseMode(c.Durability)
}

func (c DatabaseConfig) flushInterval() time.Duration {
	if c.FlushIntervalMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}
