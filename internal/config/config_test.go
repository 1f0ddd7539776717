package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/config"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("PASSKEEPER_ENV", "staging")
	t.Setenv("PASSKEEPER_FANOUT_WORKERS", "-3")

	cfg := config.FromEnv()
	if cfg.Env != "dev" {
		t.Errorf("expected unknown env to fall back to dev, got %q", cfg.Env)
	}
	if cfg.FanoutWorkers != 4 {
		t.Errorf("expected negative value to fall back to 4, got %d", cfg.FanoutWorkers)
	}
	if cfg.SubscriptionRetentionDays != 30 || cfg.CleanupIntervalHours != 24 || cfg.ResyncIntervalMinutes != 60 {
		t.Errorf("unexpected reconciliation defaults %+v", cfg)
	}
}

func TestLoad_EnvFileDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("PASSKEEPER_HTTP_ADDR=:9999\nPASSKEEPER_TEAM_ID=TEAM123\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("PASSKEEPER_HTTP_ADDR", ":7000")
	t.Setenv("PASSKEEPER_TEAM_ID", "")

	cfg, err := config.Load(envFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":7000" {
		t.Errorf("expected environment to win, got %q", cfg.HTTPAddr)
	}
}

func TestLoad_MissingEnvFileIsFine(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Errorf("expected missing env file to be ignored, got %v", err)
	}
}

func TestParsePassTypes(t *testing.T) {
	pt, err := config.ParsePassTypes([]byte(`
pass_types:
  - identifier: pass.com.example.gold
    tier: gold
    organization_name: Example
    description: Gold membership
    background_color: "rgb(212,175,55)"
  - identifier: pass.com.example.black
    tier: black
`))
	if err != nil {
		t.Fatalf("ParsePassTypes: %v", err)
	}

	gold, ok := pt.Lookup("pass.com.example.gold")
	if !ok {
		t.Fatal("expected gold pass type")
	}
	if gold.Tier != "gold" || gold.BackgroundColor != "rgb(212,175,55)" {
		t.Errorf("unexpected gold pass type %+v", gold)
	}
	if _, ok := pt.Lookup("pass.com.example.platinum"); ok {
		t.Error("unexpected platinum pass type")
	}
}

func TestParsePassTypes_Duplicate(t *testing.T) {
	_, err := config.ParsePassTypes([]byte(`
pass_types:
  - identifier: a
  - identifier: a
`))
	if err == nil {
		t.Fatal("expected duplicate identifier error")
	}
}
