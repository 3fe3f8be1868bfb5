package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosswire-id/crosswire/internal/audit"
	"github.com/crosswire-id/crosswire/internal/config"
	"github.com/crosswire-id/crosswire/internal/credstore"
	"github.com/crosswire-id/crosswire/internal/provider"
)

func writeConfig(t *testing.T, dir string, cfg config.Config) string {
	t.Helper()
	path := filepath.Join(dir, config.ConfigFileName)
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return path
}

func TestOpenAndCloseEngine(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.CredentialsDir = dir
	cfg.AuditDir = filepath.Join(dir, "logs")
	path := writeConfig(t, dir, cfg)

	eng, err := Open(context.Background(), Options{ConfigPath: path, Actor: "test"})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	defer eng.Close()

	if eng.SessionID == "" {
		t.Fatal("no session id assigned")
	}
	// No credentials and no endpoints configured: registry starts empty.
	if names := eng.Registry.Names(); len(names) != 0 {
		t.Fatalf("unexpected adapters: %v", names)
	}
	for _, f := range []string{audit.FileName, AppLogFileName} {
		if _, err := os.Stat(filepath.Join(cfg.AuditDir, f)); err != nil {
			t.Fatalf("%s not created: %v", f, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, credstore.KeyFileName)); err != nil {
		t.Fatalf("machine key not created: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBuildAdaptersFromEndpoints(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.CredentialsDir = dir
	cfg.IMSBaseURL = "https://ims.internal.example.com"
	cfg.IMSRealm = "corp"
	cfg.IMSClientID = "crosswire"
	cfg.TrackerBaseURL = "https://tracker.example.com"

	creds, err := credstore.New(credstore.Options{Dir: dir, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("credstore: %v", err)
	}
	adapters, _, err := buildAdapters(context.Background(), cfg, creds, zerolog.Nop())
	if err != nil {
		t.Fatalf("build adapters: %v", err)
	}
	names := make(map[string]bool)
	for _, a := range adapters {
		names[a.Name()] = true
	}
	// No workspace credential on disk, so only the endpoint-driven two.
	if names[provider.Workspace] || !names[provider.IMS] || !names[provider.Tracker] {
		t.Fatalf("adapters = %v", names)
	}
}

func TestTickLoopDrainsAtConfiguredInterval(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.CredentialsDir = dir
	cfg.AuditDir = filepath.Join(dir, "logs")
	cfg.TickIntervalMS = 5
	path := writeConfig(t, dir, cfg)

	eng, err := Open(context.Background(), Options{ConfigPath: path, Actor: "test"})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	defer eng.Close()

	delivered := make(chan struct{})
	_, err = eng.Runner.Submit(context.Background(),
		func(context.Context) (any, error) { return nil, nil },
		func(any) { close(delivered) }, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.TickLoop(ctx)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("completion never drained by the tick loop")
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, config.ConfigFileName)
	if err := os.WriteFile(path, []byte(`{"log_level": "info", "mystery": 1}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(context.Background(), Options{ConfigPath: path}); err == nil {
		t.Fatal("unknown config key accepted")
	}
}
