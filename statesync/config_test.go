package statesync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctxsync.yaml")
	yaml := `
listen_addr: ":9000"
data_dir: /var/lib/ctxsync
persist_timeout: 2s
subscriber_buffer: 128
snapshot:
  interval: 10s
  debounce: 1s
  keep: 3
schemas:
  - id: task
    required_fields: [title, status]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9000" || cfg.DataDir != "/var/lib/ctxsync" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.PersistTimeout != 2*time.Second || cfg.SubscriberBuffer != 128 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Snapshot.Interval != 10*time.Second || cfg.Snapshot.Keep != 3 {
		t.Fatalf("snapshot cfg = %+v", cfg.Snapshot)
	}
	if len(cfg.Schemas) != 1 || cfg.Schemas[0].ID != "task" || len(cfg.Schemas[0].RequiredFields) != 2 {
		t.Fatalf("schemas = %+v", cfg.Schemas)
	}

	// unspecified values get defaults
	if cfg.DBPath != "ctxsync.db" {
		t.Fatalf("DBPath = %q, want default", cfg.DBPath)
	}
	if cfg.HealthThreshold != 3 || cfg.CompactAfterDays != 7 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfigFile_Missing(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing config file accepted")
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	if cfg.ListenAddr == "" || cfg.DataDir == "" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.PersistTimeout != 5*time.Second {
		t.Fatalf("PersistTimeout = %v", cfg.PersistTimeout)
	}
	if cfg.SubscriberBuffer != DefaultSubscriberBuffer {
		t.Fatalf("SubscriberBuffer = %d", cfg.SubscriberBuffer)
	}
	if cfg.Snapshot.Keep != 5 {
		t.Fatalf("Snapshot.Keep = %d", cfg.Snapshot.Keep)
	}
}
