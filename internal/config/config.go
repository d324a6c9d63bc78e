// Package config loads runtime configuration from YAML with environment
// overrides. A missing file yields defaults, so the binary runs with no
// setup.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root runtime configuration.
type Config struct {
	Workspace  string           `yaml:"workspace"`
	LLM        LLMConfig        `yaml:"llm"`
	Context    ContextConfig    `yaml:"context"`
	Tools      ToolsConfig      `yaml:"tools"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Checkpoint CheckpointConfig `yaml:"checkpoints"`
	Streaming  StreamingConfig  `yaml:"streaming"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LLMConfig selects and tunes the gateway provider.
type LLMConfig struct {
	Provider        string  `yaml:"provider"`
	Model           string  `yaml:"model"`
	APIKey          string  `yaml:"api_key"`
	BaseURL         string  `yaml:"base_url"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	Temperature     float32 `yaml:"temperature"`

	Reasoning        bool `yaml:"reasoning"`
	ReasoningExclude bool `yaml:"reasoning_exclude"`
}

// ContextConfig bounds the context window.
type ContextConfig struct {
	MaxTokens int `yaml:"max_tokens"`

	// Counter selects the token counter: "chars" estimates from rune
	// count, "tiktoken" counts exactly with the cl100k_base encoding.
	Counter string `yaml:"counter"`
}

// ToolsConfig tunes the dispatcher.
type ToolsConfig struct {
	DefaultTimeout   time.Duration            `yaml:"default_timeout"`
	CategoryTimeouts map[string]time.Duration `yaml:"category_timeouts"`
	MaxConcurrency   int                      `yaml:"max_concurrency"`
}

// SessionsConfig selects the persistence backend.
type SessionsConfig struct {
	// Backend is "file", "sqlite", or "memory".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// CheckpointConfig tunes automatic snapshots.
type CheckpointConfig struct {
	Frequency int           `yaml:"frequency"`
	MaxAge    time.Duration `yaml:"max_age"`
	MaxCount  int           `yaml:"max_count"`
}

// StreamingConfig tunes stream handling and mid-stream interrupts.
type StreamingConfig struct {
	InterruptOnAction   bool `yaml:"interrupt_on_action"`
	InterruptOnToolCall bool `yaml:"interrupt_on_tool_call"`
}

// LoggingConfig tunes the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Workspace: ".",
		LLM: LLMConfig{
			Provider:        "anthropic",
			MaxOutputTokens: 4096,
		},
		Context: ContextConfig{MaxTokens: 128000, Counter: "chars"},
		Tools: ToolsConfig{
			DefaultTimeout: 30 * time.Second,
			CategoryTimeouts: map[string]time.Duration{
				"code": 120 * time.Second,
			},
			MaxConcurrency: 5,
		},
		Sessions: SessionsConfig{Backend: "file", Path: "penguin_data"},
		Checkpoint: CheckpointConfig{
			Frequency: 10,
			MaxAge:    30 * 24 * time.Hour,
		},
		Streaming: StreamingConfig{InterruptOnAction: true},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the config file, layering file values over defaults and
// environment overrides over both. A .env file next to the working
// directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	if err := decoder.Decode(cfg); err != nil && err != io.EOF {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv applies PENGUIN_* environment overrides.
func applyEnv(cfg *Config) {
	envString("PENGUIN_WORKSPACE", &cfg.Workspace)
	envString("PENGUIN_LLM_PROVIDER", &cfg.LLM.Provider)
	envString("PENGUIN_LLM_MODEL", &cfg.LLM.Model)
	envString("PENGUIN_LLM_API_KEY", &cfg.LLM.APIKey)
	envString("PENGUIN_LLM_BASE_URL", &cfg.LLM.BaseURL)
	envBool("PENGUIN_REASONING_EXCLUDE", &cfg.LLM.ReasoningExclude)
	envString("PENGUIN_CONTEXT_COUNTER", &cfg.Context.Counter)

	envDuration("PENGUIN_TOOL_TIMEOUT_DEFAULT", &cfg.Tools.DefaultTimeout)
	if v, ok := lookupDuration("PENGUIN_TOOL_TIMEOUT_CODE"); ok {
		if cfg.Tools.CategoryTimeouts == nil {
			cfg.Tools.CategoryTimeouts = make(map[string]time.Duration)
		}
		cfg.Tools.CategoryTimeouts["code"] = v
	}

	envInt("PENGUIN_CHECKPOINT_FREQUENCY", &cfg.Checkpoint.Frequency)
	if v, ok := lookupInt("PENGUIN_CHECKPOINT_MAX_AGE_DAYS"); ok {
		cfg.Checkpoint.MaxAge = time.Duration(v) * 24 * time.Hour
	}

	envBool("PENGUIN_INTERRUPT_ON_ACTION", &cfg.Streaming.InterruptOnAction)
	envBool("PENGUIN_INTERRUPT_ON_TOOL_CALL", &cfg.Streaming.InterruptOnToolCall)
	envString("PENGUIN_LOG_LEVEL", &cfg.Logging.Level)
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	switch c.Sessions.Backend {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown session backend %q", c.Sessions.Backend)
	}
	switch c.LLM.Provider {
	case "anthropic", "openai", "":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.Context.MaxTokens <= 0 {
		return fmt.Errorf("context.max_tokens must be positive")
	}
	switch c.Context.Counter {
	case "", "chars", "tiktoken":
	default:
		return fmt.Errorf("unknown token counter %q", c.Context.Counter)
	}
	if c.Checkpoint.Frequency < 0 {
		return fmt.Errorf("checkpoints.frequency must not be negative")
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v, ok := lookupInt(key); ok {
		*dst = v
	}
}

func lookupInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string, dst *time.Duration) {
	if v, ok := lookupDuration(key); ok {
		*dst = v
	}
}

// lookupDuration accepts Go duration syntax or a bare number of
// milliseconds.
func lookupDuration(key string) (time.Duration, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, true
	}
	return 0, false
}
