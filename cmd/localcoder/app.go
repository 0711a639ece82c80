package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Protocol-Lattice/localcoder/pkg/config"
	"github.com/Protocol-Lattice/localcoder/pkg/logging"
	"github.com/Protocol-Lattice/localcoder/pkg/mcp"
	"github.com/Protocol-Lattice/localcoder/pkg/models"
	"github.com/Protocol-Lattice/localcoder/pkg/runtime"
)

// app holds state shared by the commands of one invocation.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	configPath string
	verbose    bool
	workDir    string

	cfg    *config.Config
	logger *zap.Logger
	ui     *ui
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{in: in, out: out, errOut: errOut}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "localcoder",
		Short:         "Coding assistant backed by a local model and MCP filesystem tools",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ~/.local-coder/config.yaml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&a.workDir, "dir", "", "project directory (default current directory)")

	root.AddCommand(
		newAskCmd(a),
		newChatCmd(a),
		newEditCmd(a),
		newModelsCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) setup() error {
	if a.configPath == "" {
		a.configPath = config.DefaultPath()
	}
	cfg, loadErr := config.Load(a.configPath)
	if cfg == nil {
		return loadErr
	}
	a.cfg = cfg

	level := cfg.Logging.Level
	if a.verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{Level: level, Development: cfg.Logging.Development, Output: a.errOut})
	if err != nil {
		return err
	}
	a.logger = logger
	if loadErr != nil {
		// Missing directories or a corrupt file leave usable defaults.
		a.logger.Warn("using default configuration", zap.String("path", a.configPath), zap.Error(loadErr))
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.ui = newUI(a.out, a.errOut)
	return nil
}

// newRuntime builds the runtime from configuration. noTools skips the tool
// server entirely.
func (a *app) newRuntime(ctx context.Context, noTools bool) (*runtime.Runtime, error) {
	opts := []runtime.Option{
		runtime.WithEngineLoader(func(ctx context.Context) (models.Engine, error) {
			return a.engine(ctx, a.cfg.Provider, a.cfg.Model)
		}),
		runtime.WithLogger(a.logger),
		runtime.WithMaxIterations(a.cfg.MaxIterations),
		runtime.WithMaxTurns(a.cfg.Sessions.MaxTurns),
		runtime.WithSessionLimits(a.cfg.Sessions.Max, a.cfg.Sessions.IdleTTL),
		runtime.WithGeneration(a.cfg.MaxTokens, a.cfg.Temperature, a.cfg.RequestTimeout),
		runtime.WithWorkDir(a.projectDir()),
	}
	if noTools {
		opts = append(opts, runtime.WithoutToolServer())
	} else {
		server, clientOpts := a.toolServer()
		opts = append(opts, runtime.WithToolServer(server, clientOpts))
	}
	return runtime.New(ctx, opts...)
}

func (a *app) engine(ctx context.Context, provider, model string) (models.Engine, error) {
	opts := models.ProviderOptions{ContextSize: a.cfg.ContextSize}
	if strings.EqualFold(provider, a.cfg.Provider) {
		opts.BaseURL = a.cfg.BaseURL
	}
	return models.NewEngine(ctx, provider, model, opts)
}

func (a *app) projectDir() string {
	if a.workDir != "" {
		return a.workDir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func (a *app) toolServer() (mcp.ProcessConfig, mcp.Options) {
	ts := a.cfg.ToolServer
	var server mcp.ProcessConfig
	if strings.TrimSpace(ts.Command) == "" {
		dir := ts.AllowedDir
		if dir == "" {
			dir = a.projectDir()
		}
		server = mcp.FilesystemServer(dir)
	} else {
		server = mcp.ProcessConfig{Command: ts.Command, Args: ts.Args, Dir: a.projectDir()}
	}
	server.Env = envList(ts.Env)
	server.Logger = a.logger.Named("mcp")

	return server, mcp.Options{
		HandshakeTimeout: ts.HandshakeTimeout,
		CallTimeout:      ts.CallTimeout,
		Logger:           a.logger.Named("mcp"),
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// switchModel persists provider and model. When rt is set the new engine is
// built first and installed, so a failing engine leaves the config untouched.
func (a *app) switchModel(ctx context.Context, rt *runtime.Runtime, provider, ref string) error {
	provider, model := models.ParseModelRef(ref, firstNonEmpty(provider, a.cfg.Provider))
	if strings.TrimSpace(model) == "" {
		return errors.New("model name is required")
	}
	if !models.IsProvider(provider) {
		return fmt.Errorf("unknown provider %q (valid: %s)", provider, strings.Join(models.Providers, ", "))
	}
	var engine models.Engine
	if rt != nil {
		var err error
		if engine, err = a.engine(ctx, provider, model); err != nil {
			return fmt.Errorf("load %s:%s: %w", provider, model, err)
		}
	}
	if err := a.cfg.SetModel(a.configPath, provider, model); err != nil {
		return err
	}
	if rt != nil {
		rt.SetEngine(engine)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
