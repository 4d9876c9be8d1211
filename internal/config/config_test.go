package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Tools.Prefetch == "" || cfg.Tools.EventLog == "" {
		t.Fatal("tool defaults missing")
	}
	if len(cfg.Collector.Patterns["registry"]) == 0 {
		t.Fatal("registry patterns missing")
	}
	if cfg.GetToolTimeout() != 300*time.Second {
		t.Fatalf("tool timeout = %s", cfg.GetToolTimeout())
	}
	if cfg.GetSlowToolTimeout() != 600*time.Second {
		t.Fatalf("slow tool timeout = %s", cfg.GetSlowToolTimeout())
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("ELASTIC_URL", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Elastic.URL != "http://localhost:9200" {
		t.Fatalf("elastic url = %q", cfg.Elastic.URL)
	}
}

func TestLoadAppliesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forensiq.yaml")
	body := `
elastic:
  url: http://es.internal:9200
  timeout: 45s
agent:
  max_rounds: 4
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("ELASTIC_URL", "")
	t.Setenv("FORENSIQ_DB", "/tmp/override.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Elastic.URL != "http://es.internal:9200" {
		t.Fatalf("elastic url = %q", cfg.Elastic.URL)
	}
	if cfg.GetElasticTimeout() != 45*time.Second {
		t.Fatalf("elastic timeout = %s", cfg.GetElasticTimeout())
	}
	if cfg.Agent.MaxRounds != 4 {
		t.Fatalf("max rounds = %d", cfg.Agent.MaxRounds)
	}
	// Unset fields keep their defaults.
	if cfg.Tools.Prefetch == "" {
		t.Fatal("tool defaults lost on partial file")
	}
	// Environment wins.
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("api key = %q", cfg.LLM.APIKey)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Fatalf("db path = %q", cfg.Database.Path)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agent.MaxRounds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero max_rounds must fail validation")
	}

	cfg = DefaultConfig()
	if err := cfg.ValidateLLM(); err == nil {
		t.Fatal("missing api key must fail LLM validation")
	}
	cfg.LLM.APIKey = "sk-x"
	if err := cfg.ValidateLLM(); err != nil {
		t.Fatalf("ValidateLLM: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("FORENSIQ_DB", "")
	path := filepath.Join(t.TempDir(), "sub", "forensiq.yaml")
	cfg := DefaultConfig()
	cfg.Database.Path = "/var/lib/forensiq/cases.db"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Database.Path != cfg.Database.Path {
		t.Fatalf("db path = %q", loaded.Database.Path)
	}
}
