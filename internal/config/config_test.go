package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.LLM.Timeout != 120*time.Second {
		t.Fatalf("expected 120s llm timeout, got %s", cfg.LLM.Timeout)
	}
	if cfg.LLM.MaxRetries != 2 {
		t.Fatalf("expected 2 retries, got %d", cfg.LLM.MaxRetries)
	}
	if cfg.Pipeline.Timeout != 2*time.Minute {
		t.Fatalf("expected 2m pipeline timeout, got %s", cfg.Pipeline.Timeout)
	}
	if !cfg.Pipeline.Extended {
		t.Fatalf("expected extended pipeline by default")
	}
	if cfg.Share.Retention() != 180*24*time.Hour {
		t.Fatalf("unexpected retention %s", cfg.Share.Retention())
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("llm:\n  provider: simulate\n  simulate_delay: 10ms\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.LLM.Provider != ProviderSimulate || cfg.LLM.SimulateDelay != 10*time.Millisecond {
		t.Fatalf("override not applied: %+v", cfg.LLM)
	}
	if cfg.Server.BasePath != "/api" {
		t.Fatalf("expected default base path, got %q", cfg.Server.BasePath)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"provider":      "llm:\n  provider: bard\n",
		"base path":     "server:\n  base_path: api\n",
		"timeout":       "pipeline:\n  timeout: 0s\n",
		"buffer":        "progress:\n  buffer: 1\n",
		"vertex":        "llm:\n  provider: gemini\n  model: gemini-2.5-flash\n  gemini:\n    backend: vertex\n",
		"log format":    "log:\n  format: xml\n",
		"negative keep": "share:\n  retention_days: -1\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Fatalf("expected defaults, got %+v", cfg.LLM)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "sl config init") {
		t.Fatalf("expected missing config error, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stormline.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load generated default: %v", err)
	}
}

func TestSecretsFromEnv(t *testing.T) {
	t.Setenv("STORMLINE_TEST_KEY", " sk-test ")
	c := LLMConfig{APIKeyEnv: "STORMLINE_TEST_KEY"}
	if c.APIKey() != "sk-test" {
		t.Fatalf("unexpected key %q", c.APIKey())
	}
	if (AuthConfig{}).JWTSecret() != "" {
		t.Fatalf("expected empty secret without env name")
	}
}
