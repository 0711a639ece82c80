package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"LOCALCODER_PROVIDER", "LOCALCODER_MODEL", "OLLAMA_HOST", "OPENAI_BASE_URL", "LOCALCODER_CONFIG"} {
		t.Setenv(key, "")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "ollama", cfg.Provider)
	assert.Equal(t, 512, cfg.MaxTokens)
	assert.Equal(t, 8192, cfg.ContextSize)
	assert.Equal(t, 10, cfg.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.ToolServer.CallTimeout)
	assert.Equal(t, 10, cfg.Sessions.MaxTurns)
	assert.Equal(t, 24*time.Hour, cfg.Sessions.IdleTTL)
	require.NoError(t, cfg.Validate())
}

func TestLoadCreatesMissingFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Provider = "anthropic"
	cfg.Model = "claude-sonnet-4-5"
	cfg.ToolServer.AllowedDir = "/work"
	cfg.ToolServer.CallTimeout = 5 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadFillsMissingKeys(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: llama3.1\ntool_server:\n  call_timeout: 10s\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "llama3.1", cfg.Model)
	assert.Equal(t, "ollama", cfg.Provider)
	assert.Equal(t, 512, cfg.MaxTokens)
	assert.Equal(t, 10*time.Second, cfg.ToolServer.CallTimeout)
	assert.Equal(t, 30*time.Second, cfg.ToolServer.HandshakeTimeout)
	assert.Equal(t, 10, cfg.Sessions.MaxTurns)
	assert.Zero(t, cfg.Sessions.Max, "an absent session cap stays disabled")
}

func TestLoadCorruptFileFallsBack(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider: [unterminated\n"), 0o644))

	cfg, err := Load(path)
	require.ErrorIs(t, err, ErrCorrupt)
	require.NotNil(t, cfg)
	assert.Equal(t, Default().Model, cfg.Model)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOCALCODER_PROVIDER", "openai")
	t.Setenv("LOCALCODER_MODEL", "gpt-4o-mini")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:8080/v1")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, "http://localhost:8080/v1", cfg.BaseURL)

	explicit := Default()
	explicit.BaseURL = "http://keep"
	explicit.ApplyEnv()
	assert.Equal(t, "http://keep", explicit.BaseURL)
}

func TestSetModelPersists(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.BaseURL = "http://old"

	require.NoError(t, cfg.SetModel(path, "gemini", "gemini-2.0-flash"))
	assert.Empty(t, cfg.BaseURL)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gemini", loaded.Provider)
	assert.Equal(t, "gemini-2.0-flash", loaded.Model)

	assert.Error(t, cfg.SetModel(path, "ollama", " "))
}

func TestDefaultPathOverride(t *testing.T) {
	t.Setenv("LOCALCODER_CONFIG", "/tmp/custom.yaml")
	assert.Equal(t, "/tmp/custom.yaml", DefaultPath())
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.MaxTokens = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Model = ""
	assert.Error(t, cfg.Validate())
}
