package config

import (
	"os"
	"path/filepath"
	"testing"
)

func setBase(t *testing.T) {
	t.Helper()
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DATABASE_URL", "postgres://localhost/chess")
}

func TestDefaults(t *testing.T) {
	setBase(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClaimWinTimeoutSeconds != 60 {
		t.Fatalf("ClaimWinTimeoutSeconds=%d", cfg.ClaimWinTimeoutSeconds)
	}
	if cfg.AbandonmentTimeoutSeconds != 300 {
		t.Fatalf("AbandonmentTimeoutSeconds=%d", cfg.AbandonmentTimeoutSeconds)
	}
	if cfg.SweepIntervalMs != 300_000 {
		t.Fatalf("SweepIntervalMs=%d", cfg.SweepIntervalMs)
	}
	if cfg.MaxActiveGamesPerIP != 5 {
		t.Fatalf("MaxActiveGamesPerIP=%d", cfg.MaxActiveGamesPerIP)
	}
	if cfg.Prod() {
		t.Fatalf("default env must not be prod")
	}
}

func TestMissingStores(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without REDIS_URL")
	}
}

func TestEnvOverrides(t *testing.T) {
	setBase(t)
	t.Setenv("CLAIM_WIN_TIMEOUT_SECONDS", "15")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("ENV", "prod")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClaimWinTimeoutSeconds != 15 {
		t.Fatalf("ClaimWinTimeoutSeconds=%d", cfg.ClaimWinTimeoutSeconds)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins=%v", cfg.CORSAllowedOrigins)
	}
	if !cfg.Prod() {
		t.Fatalf("expected prod")
	}
}

func TestYAMLFileBelowEnv(t *testing.T) {
	setBase(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("claim_win_timeout_seconds: 90\nlisten_addr: \":9999\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("CLAIM_WIN_TIMEOUT_SECONDS", "45")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("ListenAddr=%q", cfg.ListenAddr)
	}
	// Env wins over the file.
	if cfg.ClaimWinTimeoutSeconds != 45 {
		t.Fatalf("ClaimWinTimeoutSeconds=%d", cfg.ClaimWinTimeoutSeconds)
	}
}
