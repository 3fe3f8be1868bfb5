package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), ConfigFileName))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("got %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte(`{"cache_max_entries": 100, "surprise": true}`), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte(`{"worker_pool_size": 2, "retry_max": 1}`), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerPoolSize != 2 || cfg.RetryMax != 1 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	// Untouched fields keep defaults.
	if cfg.CacheMaxEntries != 50000 {
		t.Fatalf("default lost: %d", cfg.CacheMaxEntries)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CROSSWIRE_RETRY_BASE_MS", "100")
	cfg, err := Load(filepath.Join(t.TempDir(), ConfigFileName))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RetryBaseMS != 100 {
		t.Fatalf("env override: got %d, want 100", cfg.RetryBaseMS)
	}
}

func TestValidateRanges(t *testing.T) {
	cfg := Default()
	cfg.WorkerPoolSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("worker_pool_size=0 must fail validation")
	}

	cfg = Default()
	cfg.RetryJitterPct = 150
	if err := cfg.Validate(); err == nil {
		t.Fatal("retry_jitter_pct=150 must fail validation")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	want := Default()
	want.WorkerPoolSize = 3

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip: got %+v, want %+v", got, want)
	}
}
