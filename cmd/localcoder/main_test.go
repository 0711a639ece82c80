package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/localcoder/pkg/config"
	"github.com/Protocol-Lattice/localcoder/pkg/prompt"
)

type cliResult struct {
	stdout string
	stderr string
	err    error
}

func runCLI(t *testing.T, stdin string, args ...string) cliResult {
	t.Helper()
	var out, errOut bytes.Buffer
	a := newApp(strings.NewReader(stdin), &out, &errOut)
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return cliResult{stdout: out.String(), stderr: errOut.String(), err: err}
}

func isolate(t *testing.T, provider string) string {
	t.Helper()
	for _, key := range []string{"LOCALCODER_MODEL", "OLLAMA_HOST", "OPENAI_BASE_URL", "LOCALCODER_CONFIG"} {
		t.Setenv(key, "")
	}
	t.Setenv("LOCALCODER_PROVIDER", provider)
	return filepath.Join(t.TempDir(), "config.yaml")
}

func TestAskWithoutTools(t *testing.T) {
	cfgPath := isolate(t, "dummy")
	res := runCLI(t, "", "--config", cfgPath, "--dir", t.TempDir(), "ask", "--no-mcp", "what", "is", "this")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Dummy response: what is this")
	assert.Contains(t, res.stderr, "Thinking... (step 1)")

	_, err := os.Stat(cfgPath)
	assert.NoError(t, err, "config file is created on first run")
}

func TestAskRequiresPrompt(t *testing.T) {
	cfgPath := isolate(t, "dummy")
	res := runCLI(t, "", "--config", cfgPath, "ask")
	assert.Error(t, res.err)
}

func TestChatSlashCommands(t *testing.T) {
	cfgPath := isolate(t, "dummy")
	input := strings.Join([]string{"first question", "/tools", "/new", "/bogus", "/model dummy:other", "second", "/exit", "never read"}, "\n")

	res := runCLI(t, input, "--config", cfgPath, "--dir", t.TempDir(), "chat", "--no-mcp")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Dummy response: first question")
	assert.Contains(t, res.stdout, "No tools available.")
	assert.Contains(t, res.stdout, "Started a new conversation.")
	assert.Contains(t, res.stdout, "Unknown command /bogus")
	assert.Contains(t, res.stdout, "Switched to: dummy:other")
	assert.Contains(t, res.stdout, "Dummy response: second")
	assert.Contains(t, res.stdout, "Goodbye!")
	assert.NotContains(t, res.stdout, "never read")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "other", cfg.Model)
}

func TestChatEndsOnEOF(t *testing.T) {
	cfgPath := isolate(t, "dummy")
	res := runCLI(t, "hello\n", "--config", cfgPath, "--dir", t.TempDir(), "chat", "--no-mcp")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Dummy response: hello")
	assert.Contains(t, res.stdout, "Goodbye!")
}

func TestChatGeneratesContextFile(t *testing.T) {
	cfgPath := isolate(t, "dummy")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module demo"), 0o644))

	res := runCLI(t, "/md\ny\n/exit\n", "--config", cfgPath, "--dir", dir, "chat", "--no-mcp")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "has been created")

	written, err := prompt.LoadContextFile(dir)
	require.NoError(t, err)
	assert.Contains(t, written, "Dummy response:")
}

func TestModelsShowAndSet(t *testing.T) {
	cfgPath := isolate(t, "")

	res := runCLI(t, "", "--config", cfgPath, "models")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Provider:       ollama")
	assert.Contains(t, res.stdout, "@modelcontextprotocol/server-filesystem")

	res = runCLI(t, "", "--config", cfgPath, "models", "--set", "anthropic:claude-sonnet-4-5")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Model updated: anthropic:claude-sonnet-4-5")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Model)

	res = runCLI(t, "", "--config", cfgPath, "models", "--set", "nowhere:model")
	require.NoError(t, res.err)
	cfg, err = config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "nowhere:model", cfg.Model, "an unknown prefix is kept as part of the model name")
}

func TestCorruptConfigFallsBackToDefaults(t *testing.T) {
	cfgPath := isolate(t, "dummy")
	require.NoError(t, os.WriteFile(cfgPath, []byte("model: [broken\n"), 0o644))

	res := runCLI(t, "", "--config", cfgPath, "--dir", t.TempDir(), "ask", "--no-mcp", "hi")
	require.NoError(t, res.err)
	assert.Contains(t, res.stderr, "using default configuration")
	assert.Contains(t, res.stdout, "Dummy response: hi")
}

func TestFormatArgs(t *testing.T) {
	got := formatArgs(map[string]any{"path": "a.py", "depth": 2, "content": strings.Repeat("x", 100)})
	assert.True(t, strings.HasPrefix(got, "content="+strings.Repeat("x", 57)+"..."))
	assert.True(t, strings.HasSuffix(got, "depth=2, path=a.py"))
}

func TestEnvList(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=2"}, envList(map[string]string{"B": "2", "A": "1"}))
}
