package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yuqie6/activityrank/internal/schema"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Scoring.DailyCap != 100 {
		t.Fatalf("daily_cap=%d, want 100", cfg.Scoring.DailyCap)
	}
	if cfg.Scoring.OpLogTTLHours != 25 || cfg.Scoring.MonthlyTTLDays != 31 {
		t.Fatalf("unexpected ttl defaults: %+v", cfg.Scoring)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("driver=%q, want sqlite", cfg.Storage.Driver)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  driver: memory
scoring:
  daily_cap: 50
  actions:
    - code: 1
      name: praise
      base_score: 7
    - code: 2
      name: cancel_praise
      base_score: -7
      inverse_of: 1
consumer:
  workers: 2
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Scoring.DailyCap != 50 {
		t.Fatalf("daily_cap=%d, want 50", cfg.Scoring.DailyCap)
	}
	if cfg.Consumer.Workers != 2 || cfg.Consumer.MaxAttempts != 5 {
		t.Fatalf("consumer=%+v", cfg.Consumer)
	}
	if len(cfg.Scoring.Actions) != 2 {
		t.Fatalf("actions=%d, want 2", len(cfg.Scoring.Actions))
	}
	cancel := cfg.Scoring.Actions[1]
	if cancel.InverseOf == nil || *cancel.InverseOf != schema.ActionPraise {
		t.Fatalf("inverse_of=%v, want praise", cancel.InverseOf)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ARANK_SCORING_DAILY_CAP", "30")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Scoring.DailyCap != 30 {
		t.Fatalf("daily_cap=%d, want 30", cfg.Scoring.DailyCap)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad driver", func(c *Config) { c.Storage.Driver = "redis" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "" }},
		{"zero cap", func(c *Config) { c.Scoring.DailyCap = 0 }},
		{"zero ttl", func(c *Config) { c.Scoring.OpLogTTLHours = 0 }},
		{"zero workers", func(c *Config) { c.Consumer.Workers = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestWriteFileThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "config.yaml")
	cfg := Default()
	cfg.Scoring.DailyCap = 42
	cfg.Storage.Driver = "memory"
	if err := WriteFile(path, cfg); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got.Scoring.DailyCap != 42 || got.Storage.Driver != "memory" {
		t.Fatalf("got=%+v", got.Scoring)
	}
}
