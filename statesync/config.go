package statesync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/ctxsync/schema"
)

// Config holds the sync service configuration.
type Config struct {
	// ListenAddr is the HTTP listen address of ctxsyncd.
	ListenAddr string `yaml:"listen_addr"`
	// DataDir roots the snapshot and change-record store.
	DataDir string `yaml:"data_dir"`
	// DBPath is the SQLite database for sessions and observability.
	DBPath string `yaml:"db_path"`
	// JWTSecret signs and verifies user tokens. Usually injected via the
	// CTXSYNC_JWT_SECRET environment variable rather than the file.
	JWTSecret string `yaml:"jwt_secret"`

	// PersistTimeout caps how long one commit waits for the store.
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	// SubscriberBuffer is the per-subscriber channel capacity.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	// HealthThreshold is the consecutive persistence failures before the
	// engine reports degraded.
	HealthThreshold int `yaml:"health_threshold"`

	Snapshot SnapshotConfig `yaml:"snapshot"`

	// CompactAfterDays is the age past which committed changes are
	// compacted away.
	CompactAfterDays int `yaml:"compact_after_days"`

	// Schemas registered at startup.
	Schemas []schema.Schema `yaml:"schemas"`
}

// SnapshotConfig tunes the periodic snapshot loop.
type SnapshotConfig struct {
	// Interval is the polling frequency of the snapshotter.
	Interval time.Duration `yaml:"interval"`
	// Debounce is the quiet period after a version advance before
	// snapshots are written. Further advances reset the timer.
	Debounce time.Duration `yaml:"debounce"`
	// Keep is how many snapshots to retain per context.
	Keep int `yaml:"keep"`
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8094"
	}
	if c.DataDir == "" {
		c.DataDir = "ctxsync-data"
	}
	if c.DBPath == "" {
		c.DBPath = "ctxsync.db"
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.HealthThreshold <= 0 {
		c.HealthThreshold = 3
	}
	if c.Snapshot.Interval <= 0 {
		c.Snapshot.Interval = 30 * time.Second
	}
	if c.Snapshot.Debounce < 0 {
		c.Snapshot.Debounce = 0
	}
	if c.Snapshot.Keep <= 0 {
		c.Snapshot.Keep = 5
	}
	if c.CompactAfterDays <= 0 {
		c.CompactAfterDays = 7
	}
}

// DefaultConfig returns a config with every default filled in.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// LoadConfigFile reads a YAML config file and fills defaults.
func LoadConfigFile(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("statesync: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("statesync: parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}
