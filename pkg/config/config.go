// Package config loads and persists the localcoder settings file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DirName is the settings directory under the user's home.
const DirName = ".local-coder"

// Config is the on-disk configuration.
type Config struct {
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	BaseURL        string        `yaml:"base_url,omitempty"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    *float64      `yaml:"temperature,omitempty"`
	ContextSize    int           `yaml:"context_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxIterations  int           `yaml:"max_iterations"`
	ToolServer     ToolServer    `yaml:"tool_server"`
	Sessions       Sessions      `yaml:"sessions"`
	Logging        Logging       `yaml:"logging"`
}

// ToolServer configures the filesystem tool subprocess. An empty Command
// means the stock npx filesystem server rooted at AllowedDir.
type ToolServer struct {
	Command          string            `yaml:"command,omitempty"`
	Args             []string          `yaml:"args,omitempty"`
	AllowedDir       string            `yaml:"allowed_dir,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	CallTimeout      time.Duration     `yaml:"call_timeout"`
}

// Sessions bounds the chat sessions held by a long-running server.
type Sessions struct {
	MaxTurns int           `yaml:"max_turns"`
	Max      int           `yaml:"max"`
	IdleTTL  time.Duration `yaml:"idle_ttl"`
}

// Logging configures the process logger.
type Logging struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Provider:       "ollama",
		Model:          "qwen2.5-coder:7b",
		MaxTokens:      512,
		ContextSize:    8192,
		RequestTimeout: 120 * time.Second,
		MaxIterations:  10,
		ToolServer: ToolServer{
			HandshakeTimeout: 30 * time.Second,
			CallTimeout:      30 * time.Second,
		},
		Sessions: Sessions{MaxTurns: 10, Max: 100, IdleTTL: 24 * time.Hour},
		Logging:  Logging{Level: "warn"},
	}
}

// DefaultPath returns ~/.local-coder/config.yaml, or the LOCALCODER_CONFIG
// override.
func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv("LOCALCODER_CONFIG")); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(DirName, "config.yaml")
	}
	return filepath.Join(home, DirName, "config.yaml")
}

// ErrCorrupt marks a settings file that could not be parsed. Load still
// returns usable defaults alongside it.
var ErrCorrupt = errors.New("config: corrupt settings file")

// Load reads path, creating it with defaults when missing. Keys absent from
// the file keep their defaults. A file that fails to parse yields defaults
// and an error wrapping ErrCorrupt; callers may log it and continue.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := cfg.Save(path); err != nil {
			cfg.ApplyEnv()
			return cfg, err
		}
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			cfg = Default()
			cfg.ApplyEnv()
			return cfg, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
		}
		cfg.fillDefaults()
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// Save writes the configuration to path, creating the directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	if p := strings.TrimSpace(os.Getenv("LOCALCODER_PROVIDER")); p != "" {
		c.Provider = p
	}
	if m := strings.TrimSpace(os.Getenv("LOCALCODER_MODEL")); m != "" {
		c.Model = m
	}
	if c.BaseURL != "" {
		return
	}
	switch strings.ToLower(c.Provider) {
	case "ollama", "":
		c.BaseURL = strings.TrimSpace(os.Getenv("OLLAMA_HOST"))
	case "openai", "llamacpp", "llama.cpp":
		c.BaseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	}
}

// SetModel switches provider and model and persists the change.
func (c *Config) SetModel(path, provider, model string) error {
	provider = strings.TrimSpace(provider)
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("config: model must not be empty")
	}
	if provider != "" && !strings.EqualFold(provider, c.Provider) {
		c.Provider = provider
		// A base URL belongs to the previous provider.
		c.BaseURL = ""
	}
	c.Model = model
	return c.Save(path)
}

// Validate checks values a run depends on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("config: model is required")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("config: max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("config: max_iterations must not be negative, got %d", c.MaxIterations)
	}
	if c.Sessions.Max < 0 || c.Sessions.IdleTTL < 0 || c.Sessions.MaxTurns < 0 {
		return errors.New("config: sessions limits must not be negative")
	}
	return nil
}

func (c *Config) fillDefaults() {
	def := Default()
	if c.Provider == "" {
		c.Provider = def.Provider
	}
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.ContextSize == 0 {
		c.ContextSize = def.ContextSize
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.ToolServer.HandshakeTimeout == 0 {
		c.ToolServer.HandshakeTimeout = def.ToolServer.HandshakeTimeout
	}
	if c.ToolServer.CallTimeout == 0 {
		c.ToolServer.CallTimeout = def.ToolServer.CallTimeout
	}
	if c.Sessions.MaxTurns == 0 {
		c.Sessions.MaxTurns = def.Sessions.MaxTurns
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}
