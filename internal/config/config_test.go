package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8420" {
		t.Errorf("Addr = %q, want :8420", cfg.Server.Addr)
	}
	if cfg.Scheduler.PollIntervalSec != 30 {
		t.Errorf("PollIntervalSec = %d, want 30", cfg.Scheduler.PollIntervalSec)
	}
	if cfg.Scheduler.PollInterval() != 30*time.Second {
		t.Errorf("PollInterval() = %s, want 30s", cfg.Scheduler.PollInterval())
	}
	if cfg.Agent.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d, want 50", cfg.Agent.HistoryLimit)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("OCTOGATE_TEST_SECRET", "s3cret")

	path := filepath.Join(t.TempDir(), "octogate.yaml")
	data := "server:\n  addr: \":9000\"\n  authSecret: \"${OCTOGATE_TEST_SECRET}\"\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Addr = %q, want :9000", cfg.Server.Addr)
	}
	if cfg.Server.AuthSecret != "s3cret" {
		t.Errorf("AuthSecret = %q, want s3cret", cfg.Server.AuthSecret)
	}
	// Unset fields still get defaults.
	if cfg.Store.Path != "octogate.db" {
		t.Errorf("Store.Path = %q, want octogate.db", cfg.Store.Path)
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "octogate.yaml")
	if err := os.WriteFile(path, []byte("server:\n  logLevel: loud\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid logLevel")
	}
}

func TestLoadRejectsZeroPollInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "octogate.yaml")
	if err := os.WriteFile(path, []byte("scheduler:\n  pollIntervalSec: -5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative pollIntervalSec")
	}
}
