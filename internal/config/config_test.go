package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic", cfg.LLM.Provider)
	}
	if cfg.Tools.DefaultTimeout != 30*time.Second {
		t.Errorf("default timeout = %s", cfg.Tools.DefaultTimeout)
	}
	if cfg.Checkpoint.Frequency != 10 {
		t.Errorf("checkpoint frequency = %d, want 10", cfg.Checkpoint.Frequency)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
llm:
  provider: openai
  model: gpt-4o
context:
  max_tokens: 64000
sessions:
  backend: sqlite
  path: /tmp/penguin.db
checkpoints:
  frequency: 5
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Context.MaxTokens != 64000 {
		t.Errorf("max tokens = %d", cfg.Context.MaxTokens)
	}
	if cfg.Sessions.Backend != "sqlite" {
		t.Errorf("backend = %q", cfg.Sessions.Backend)
	}
	if cfg.Checkpoint.Frequency != 5 {
		t.Errorf("frequency = %d", cfg.Checkpoint.Frequency)
	}
	// Untouched sections keep defaults.
	if cfg.Tools.MaxConcurrency != 5 {
		t.Errorf("max concurrency = %d, want default 5", cfg.Tools.MaxConcurrency)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  model: from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PENGUIN_LLM_MODEL", "from-env")
	t.Setenv("PENGUIN_TOOL_TIMEOUT_CODE", "90s")
	t.Setenv("PENGUIN_CHECKPOINT_MAX_AGE_DAYS", "7")
	t.Setenv("PENGUIN_INTERRUPT_ON_ACTION", "false")
	t.Setenv("PENGUIN_CONTEXT_COUNTER", "tiktoken")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Model != "from-env" {
		t.Errorf("model = %q, want env value", cfg.LLM.Model)
	}
	if cfg.Tools.CategoryTimeouts["code"] != 90*time.Second {
		t.Errorf("code timeout = %s", cfg.Tools.CategoryTimeouts["code"])
	}
	if cfg.Checkpoint.MaxAge != 7*24*time.Hour {
		t.Errorf("max age = %s", cfg.Checkpoint.MaxAge)
	}
	if cfg.Streaming.InterruptOnAction {
		t.Error("interrupt_on_action not overridden to false")
	}
	if cfg.Context.Counter != "tiktoken" {
		t.Errorf("counter = %q, want tiktoken", cfg.Context.Counter)
	}
}

func TestLoad_MillisecondTimeouts(t *testing.T) {
	t.Setenv("PENGUIN_TOOL_TIMEOUT_DEFAULT", "1500")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tools.DefaultTimeout != 1500*time.Millisecond {
		t.Errorf("default timeout = %s, want 1.5s", cfg.Tools.DefaultTimeout)
	}
}

func TestValidate_RejectsUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Sessions.Backend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown backend accepted")
	}
}

func TestValidate_RejectsUnknownProvider(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "llama-on-a-boat"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestValidate_RejectsUnknownCounter(t *testing.T) {
	cfg := Default()
	cfg.Context.Counter = "abacus"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown token counter accepted")
	}
}
