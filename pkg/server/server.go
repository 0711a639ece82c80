// Package server exposes ask, chat, edit and model management as MCP tools
// so other agents can delegate work to the local model.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/Protocol-Lattice/localcoder/pkg/runtime"
)

// Name is the server name reported during the handshake.
const Name = "localcoder"

// Backend runs requests. *runtime.Runtime implements it.
type Backend interface {
	Ask(ctx context.Context, req runtime.Request) (*runtime.Answer, error)
	Chat(ctx context.Context, req runtime.ChatRequest) (*runtime.ChatResponse, error)
	Edit(ctx context.Context, req runtime.Request) (*runtime.Answer, error)
}

// ModelInfo describes the configured engine.
type ModelInfo struct {
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Engine      string `json:"engine"`
	BaseURL     string `json:"base_url,omitempty"`
	ContextSize int    `json:"context_size,omitempty"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
}

// Options configure the server.
type Options struct {
	Version string
	Logger  *zap.Logger
	// Model reports the current engine for get_model.
	Model func() ModelInfo
	// SetModel switches engines. When nil the set_model tool is not offered.
	SetModel func(ctx context.Context, provider, model string) (ModelInfo, error)
}

// Server wraps an MCP server bound to a Backend.
type Server struct {
	backend Backend
	opts    Options
	logger  *zap.Logger
	mcp     *mcpserver.MCPServer
}

// New registers the tools on a fresh MCP server.
func New(backend Backend, opts Options) (*Server, error) {
	if backend == nil {
		return nil, errors.New("server requires a backend")
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		backend: backend,
		opts:    opts,
		logger:  logger.Named("server"),
		mcp:     mcpserver.NewMCPServer(Name, opts.Version, mcpserver.WithToolCapabilities(false), mcpserver.WithRecovery()),
	}
	s.register()
	return s, nil
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcp }

// Serve speaks MCP over in/out until ctx ends or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger))
	s.logger.Info("serving MCP", zap.String("version", s.opts.Version))
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// ServeStdio serves on the process's stdin and stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

func (s *Server) register() {
	s.mcp.AddTool(mcpgo.NewTool("ask",
		mcpgo.WithDescription("Send a one-off coding question to the local model. Use @path in the prompt to attach files."),
		mcpgo.WithString("prompt", mcpgo.Required(), mcpgo.Description("The question or task. @path references are loaded as context.")),
		mcpgo.WithArray("files", mcpgo.Description("Extra file paths to load as context."), mcpgo.Items(map[string]any{"type": "string"})),
		mcpgo.WithNumber("max_tokens", mcpgo.Description("Maximum tokens to generate (default 512).")),
		mcpgo.WithBoolean("disable_filesystem", mcpgo.Description("Skip the filesystem tools.")),
	), s.handleAsk)

	s.mcp.AddTool(mcpgo.NewTool("chat",
		mcpgo.WithDescription("Send a message in a multi-turn session. Returns JSON with reply, session_id and turn; pass session_id back to continue."),
		mcpgo.WithString("message", mcpgo.Required(), mcpgo.Description("The user's message.")),
		mcpgo.WithString("session_id", mcpgo.Description("Omit to start a new session.")),
		mcpgo.WithNumber("max_tokens", mcpgo.Description("Maximum tokens to generate (default 512).")),
		mcpgo.WithBoolean("disable_filesystem", mcpgo.Description("Skip the filesystem tools.")),
	), s.handleChat)

	s.mcp.AddTool(mcpgo.NewTool("edit",
		mcpgo.WithDescription("Request code changes. The model reads and writes files with the filesystem tools and summarises what it changed."),
		mcpgo.WithString("prompt", mcpgo.Required(), mcpgo.Description("Description of the change. @path references are loaded as context.")),
		mcpgo.WithArray("files", mcpgo.Description("Extra file paths to load as context."), mcpgo.Items(map[string]any{"type": "string"})),
		mcpgo.WithNumber("max_tokens", mcpgo.Description("Maximum tokens to generate (default 2048).")),
	), s.handleEdit)

	s.mcp.AddTool(mcpgo.NewTool("get_model",
		mcpgo.WithDescription("Return the current provider and model configuration."),
	), s.handleGetModel)

	if s.opts.SetModel != nil {
		s.mcp.AddTool(mcpgo.NewTool("set_model",
			mcpgo.WithDescription("Switch the active model. Accepts provider:model or a bare model name."),
			mcpgo.WithString("model", mcpgo.Required(), mcpgo.Description("Model reference, e.g. ollama:qwen2.5-coder:7b.")),
			mcpgo.WithString("provider", mcpgo.Description("Provider, when model is a bare name.")),
		), s.handleSetModel)
	}
}

func (s *Server) handleAsk(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	text, err := req.RequireString("prompt")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	answer, err := s.backend.Ask(ctx, runtime.Request{
		Prompt:    text,
		Files:     req.GetStringSlice("files", nil),
		MaxTokens: req.GetInt("max_tokens", runtime.DefaultMaxTokens),
		NoTools:   req.GetBool("disable_filesystem", false),
	})
	if err != nil {
		return s.failed("ask", err), nil
	}
	return mcpgo.NewToolResultText(answer.Text), nil
}

type chatResult struct {
	Reply     string `json:"reply"`
	SessionID string `json:"session_id"`
	Turn      int    `json:"turn"`
}

func (s *Server) handleChat(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	resp, err := s.backend.Chat(ctx, runtime.ChatRequest{
		Message:   message,
		SessionID: strings.TrimSpace(req.GetString("session_id", "")),
		MaxTokens: req.GetInt("max_tokens", runtime.DefaultMaxTokens),
		NoTools:   req.GetBool("disable_filesystem", false),
	})
	if err != nil {
		return s.failed("chat", err), nil
	}
	return jsonResult(chatResult{Reply: resp.Reply, SessionID: resp.SessionID, Turn: resp.Turn})
}

func (s *Server) handleEdit(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	text, err := req.RequireString("prompt")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	answer, err := s.backend.Edit(ctx, runtime.Request{
		Prompt:    text,
		Files:     req.GetStringSlice("files", nil),
		MaxTokens: req.GetInt("max_tokens", runtime.DefaultEditMaxTokens),
	})
	if err != nil {
		return s.failed("edit", err), nil
	}
	return mcpgo.NewToolResultText(answer.Text), nil
}

func (s *Server) handleGetModel(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	var info ModelInfo
	if s.opts.Model != nil {
		info = s.opts.Model()
	}
	return jsonResult(info)
}

func (s *Server) handleSetModel(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	ref, err := req.RequireString("model")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	info, err := s.opts.SetModel(ctx, req.GetString("provider", ""), ref)
	if err != nil {
		return s.failed("set_model", err), nil
	}
	return jsonResult(info)
}

func (s *Server) failed(tool string, err error) *mcpgo.CallToolResult {
	s.logger.Warn("tool failed", zap.String("tool", tool), zap.Error(err))
	return mcpgo.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcpgo.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcpgo.NewToolResultText(string(data)), nil
}
