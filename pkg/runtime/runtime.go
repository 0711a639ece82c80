package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Protocol-Lattice/localcoder/pkg/agent"
	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
	"github.com/Protocol-Lattice/localcoder/pkg/mcp"
	"github.com/Protocol-Lattice/localcoder/pkg/models"
	"github.com/Protocol-Lattice/localcoder/pkg/prompt"
	"github.com/Protocol-Lattice/localcoder/pkg/session"
)

const (
	// DefaultMaxTokens bounds ask and chat replies.
	DefaultMaxTokens = 512
	// DefaultEditMaxTokens bounds edit replies.
	DefaultEditMaxTokens = 2048
	// NoResponse is returned when the engine produced no usable text.
	NoResponse = "(no response)"
)

// ErrEmptyPrompt is returned for blank prompts and messages.
var ErrEmptyPrompt = errors.New("runtime: prompt must not be empty")

// EngineLoader constructs the inference engine.
type EngineLoader func(ctx context.Context) (models.Engine, error)

// Option configures runtime construction.
type Option func(*config)

type config struct {
	engine        models.Engine
	engineLoader  EngineLoader
	connector     ToolConnector
	noTools       bool
	logger        *zap.Logger
	maxIterations int
	maxTurns      int
	maxSessions   int
	sessionTTL    time.Duration
	maxTokens     int
	temperature   *float64
	timeout       time.Duration
	workDir       string
}

func defaultConfig() *config {
	return &config{
		maxIterations: agent.DefaultMaxIterations,
		maxTurns:      session.DefaultMaxTurns,
		maxTokens:     DefaultMaxTokens,
	}
}

func (c *config) validate() error {
	if c.engine == nil && c.engineLoader == nil {
		return errors.New("runtime requires an engine or engine loader")
	}
	return nil
}

func (c *config) workDirValue() string {
	if strings.TrimSpace(c.workDir) != "" {
		return c.workDir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// WithEngine sets the inference engine.
func WithEngine(engine models.Engine) Option {
	return func(c *config) {
		c.engine = engine
	}
}

// WithEngineLoader sets a loader used when no engine was given.
func WithEngineLoader(loader EngineLoader) Option {
	return func(c *config) {
		c.engineLoader = loader
	}
}

// WithToolServer launches cfg as the tool server on first use.
func WithToolServer(cfg mcp.ProcessConfig, opts mcp.Options) Option {
	return func(c *config) {
		c.connector = ProcessConnector(cfg, opts)
	}
}

// WithToolConnector supplies a custom tool client factory.
func WithToolConnector(connector ToolConnector) Option {
	return func(c *config) {
		if connector != nil {
			c.connector = connector
		}
	}
}

// WithoutToolServer disables tools for every request.
func WithoutToolServer() Option {
	return func(c *config) {
		c.noTools = true
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxIterations overrides the loop ceiling. Values above the default
// ceiling are clamped by the loop.
func WithMaxIterations(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithMaxTurns overrides per-session retention.
func WithMaxTurns(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxTurns = n
		}
	}
}

// WithSessionLimits caps how many chat sessions are kept and how long an
// unused one survives. Zero disables either limit.
func WithSessionLimits(maxSessions int, idleTTL time.Duration) Option {
	return func(c *config) {
		c.maxSessions = maxSessions
		c.sessionTTL = idleTTL
	}
}

// WithGeneration sets default reply length, temperature and per-call engine
// timeout.
func WithGeneration(maxTokens int, temperature *float64, timeout time.Duration) Option {
	return func(c *config) {
		if maxTokens > 0 {
			c.maxTokens = maxTokens
		}
		c.temperature = temperature
		c.timeout = timeout
	}
}

// WithWorkDir sets the project directory used for CONTEXT.md and as the
// default tool server root.
func WithWorkDir(dir string) Option {
	return func(c *config) {
		c.workDir = strings.TrimSpace(dir)
	}
}

// Runtime wires engine, tool server and session store together.
type Runtime struct {
	cfg      *config
	logger   *zap.Logger
	workDir  string
	sessions *session.Store
	tools    *toolset

	mu     sync.RWMutex
	engine models.Engine
}

// New builds a runtime based on the supplied options. The tool server is not
// started until a request needs it.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := cfg.engine
	if engine == nil {
		var err error
		engine, err = cfg.engineLoader(ctx)
		if err != nil {
			return nil, fmt.Errorf("load engine: %w", err)
		}
	}

	workDir := cfg.workDirValue()
	connector := cfg.connector
	if connector == nil && !cfg.noTools {
		server := mcp.FilesystemServer(workDir)
		server.Logger = logger.Named("mcp")
		connector = ProcessConnector(server, mcp.Options{Logger: logger.Named("mcp")})
	}
	if cfg.noTools {
		connector = nil
	}

	sessions := session.NewStore(
		session.WithMaxTurns(cfg.maxTurns),
		session.WithMaxSessions(cfg.maxSessions),
		session.WithIdleTTL(cfg.sessionTTL),
		session.WithLogger(logger.Named("session")),
	)
	return &Runtime{
		cfg:      cfg,
		logger:   logger.Named("runtime"),
		workDir:  workDir,
		engine:   engine,
		sessions: sessions,
		tools:    newToolset(connector, logger.Named("runtime")),
	}, nil
}

// Engine returns the active engine.
func (rt *Runtime) Engine() models.Engine {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.engine
}

// SetEngine swaps the engine for subsequent requests. Runs already in
// progress keep the engine they started with.
func (rt *Runtime) SetEngine(engine models.Engine) {
	if engine == nil {
		return
	}
	rt.mu.Lock()
	old := rt.engine
	rt.engine = engine
	rt.mu.Unlock()
	closeEngine(old)
	rt.logger.Info("engine switched", zap.String("engine", engine.Name()))
}

// Sessions exposes the chat session store.
func (rt *Runtime) Sessions() *session.Store {
	return rt.sessions
}

// WorkDir returns the project directory.
func (rt *Runtime) WorkDir() string {
	return rt.workDir
}

// Close stops the tool server and releases the engine.
func (rt *Runtime) Close() error {
	err := rt.tools.close()
	rt.mu.Lock()
	closeEngine(rt.engine)
	rt.mu.Unlock()
	return err
}

func closeEngine(engine models.Engine) {
	if c, ok := engine.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// Request is a single-shot prompt.
type Request struct {
	Prompt string
	// Files are loaded in addition to @path references in Prompt.
	Files     []string
	MaxTokens int
	// NoTools runs without the tool server.
	NoTools bool
	OnEvent func(agent.Event)
}

// Answer is the outcome of Ask or Edit.
type Answer struct {
	Text string
	// Warnings lists file references that could not be loaded.
	Warnings []string
	Result   *agent.Result
}

// Ask answers a single prompt with no session history.
func (rt *Runtime) Ask(ctx context.Context, req Request) (*Answer, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	text, files, warnings := rt.loadFiles(req.Prompt, req.Files)
	conv := prompt.BuildMessages(text, files, nil, rt.projectContext())

	res, err := rt.run(ctx, conv, !req.NoTools, req.MaxTokens, rt.cfg.maxTokens, req.OnEvent)
	if err != nil {
		return nil, err
	}
	return &Answer{Text: replyText(res), Warnings: warnings, Result: res}, nil
}

// Edit runs an edit request. Tools are always requested.
func (rt *Runtime) Edit(ctx context.Context, req Request) (*Answer, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	text, files, warnings := rt.loadFiles(req.Prompt, req.Files)
	conv := prompt.EditMessages(text, files, rt.projectContext())

	res, err := rt.run(ctx, conv, true, req.MaxTokens, DefaultEditMaxTokens, req.OnEvent)
	if err != nil {
		return nil, err
	}
	return &Answer{Text: replyText(res), Warnings: warnings, Result: res}, nil
}

// GenerateContextFile asks the engine, without tools, to write CONTEXT.md
// content from the project's listing and key files. The caller decides
// whether to write it.
func (rt *Runtime) GenerateContextFile(ctx context.Context, maxTokens int) (string, error) {
	data, err := prompt.ProjectContext(rt.workDir)
	if err != nil {
		return "", err
	}
	if maxTokens < DefaultEditMaxTokens {
		maxTokens = DefaultEditMaxTokens
	}
	res, err := rt.run(ctx, prompt.ContextMessages(data), false, maxTokens, DefaultEditMaxTokens, nil)
	if err != nil {
		return "", err
	}
	if res.Status != agent.StatusCompleted || strings.TrimSpace(res.FinalText) == "" {
		return "", fmt.Errorf("generate %s: %w", prompt.ContextFileName, errOrEmpty(res))
	}
	return res.FinalText, nil
}

func errOrEmpty(res *agent.Result) error {
	if err := res.Err(); err != nil {
		return err
	}
	return models.ErrEmptyResponse
}

// ToolStatus reports the tool server state.
type ToolStatus struct {
	Connected bool
	Tools     []string
	Err       error
}

// Tools connects the tool server if needed and reports its state.
func (rt *Runtime) Tools(ctx context.Context) ToolStatus {
	d, err := rt.tools.dispatcher(ctx)
	if d == nil {
		return ToolStatus{Err: err}
	}
	return ToolStatus{Connected: d.Available(), Tools: d.Registry().Names(), Err: err}
}

func (rt *Runtime) loadFiles(text string, extra []string) (string, []prompt.File, []string) {
	text, files, warnings := prompt.Dereference(text)
	files, more := prompt.MergeFiles(files, extra)
	warnings = append(warnings, more...)
	for _, w := range warnings {
		rt.logger.Warn("file reference skipped", zap.String("reason", w))
	}
	return text, files, warnings
}

func (rt *Runtime) projectContext() string {
	text, err := prompt.LoadContextFile(rt.workDir)
	if err != nil {
		rt.logger.Warn("project context unavailable", zap.Error(err))
	}
	return text
}

func (rt *Runtime) run(ctx context.Context, conv conversation.Conversation, wantTools bool, maxTokens, fallback int, onEvent func(agent.Event)) (*agent.Result, error) {
	if maxTokens <= 0 {
		maxTokens = fallback
	}
	opts := agent.Options{
		Engine:        rt.Engine(),
		Logger:        rt.logger.Named("agent"),
		MaxIterations: rt.cfg.maxIterations,
	}
	if wantTools {
		if d, err := rt.tools.dispatcher(ctx); d != nil {
			opts.Dispatcher = d
		} else if err != nil {
			rt.logger.Warn("continuing without tools", zap.Error(err))
		}
	}

	loop, err := agent.New(opts)
	if err != nil {
		return nil, err
	}
	return loop.Run(ctx, agent.RunRequest{
		Conversation: conv,
		ToolsEnabled: wantTools,
		Options: models.GenerateOptions{
			MaxTokens:   maxTokens,
			Temperature: rt.cfg.temperature,
			Timeout:     rt.cfg.timeout,
		},
		OnEvent: onEvent,
	})
}

func replyText(res *agent.Result) string {
	if res == nil || strings.TrimSpace(res.FinalText) == "" {
		return NoResponse
	}
	return res.FinalText
}
