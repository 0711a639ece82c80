// Package mcp implements a lightweight Model Context Protocol client for tool
// servers spawned as subprocesses and spoken to over stdio. It covers the
// tooling surface area (listing and invoking tools) the agent loop requires.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	protocolVersion = "2024-11-05"

	DefaultHandshakeTimeout = 30 * time.Second
	DefaultCallTimeout      = 30 * time.Second
)

// ClientInfo describes the calling application when establishing an MCP
// session.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Options control how the MCP client initialises the remote server.
type Options struct {
	ClientInfo      ClientInfo
	Capabilities    map[string]any
	ProtocolVersion string

	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	Logger           *zap.Logger
}

// ToolDefinition mirrors the subset of the MCP tool schema that the runtime
// requires.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Content represents a single content part returned from a tool invocation.
type Content struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
}

// CallResult captures the structured output of an MCP tool invocation.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text concatenates text parts within the result, newline separated.
func (r CallResult) Text() string {
	var segments []string
	for _, part := range r.Content {
		if part.Type != "text" {
			continue
		}
		if trimmed := strings.TrimSpace(part.Text); trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	return strings.Join(segments, "\n")
}

// JSON returns the first JSON payload embedded inside the call result, pretty
// printed. When no JSON payload exists an empty string is returned.
func (r CallResult) JSON() string {
	for _, part := range r.Content {
		if part.Type != "json" || len(part.Data) == 0 {
			continue
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, part.Data, "", "  "); err != nil {
			return string(part.Data)
		}
		return buf.String()
	}
	return ""
}

// PrimaryText prefers the aggregated text segments and falls back to the
// JSON payload.
func (r CallResult) PrimaryText() string {
	if txt := r.Text(); txt != "" {
		return txt
	}
	return r.JSON()
}

// ServerInfo represents the metadata returned by the MCP server during the
// initialise handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PendingCall describes the request currently awaiting a response.
type PendingCall struct {
	RequestID uint64
	Method    string
	SentAt    time.Time
}

// Client implements a small subset of the Model Context Protocol focused on
// listing and invoking tools. At most one request is in flight at a time.
type Client struct {
	transport    Transport
	process      *Process
	info         ClientInfo
	capabilities map[string]any
	protoVersion string

	handshakeTimeout time.Duration
	callTimeout      time.Duration
	logger           *zap.Logger

	idCounter atomic.Uint64
	inflight  *semaphore.Weighted
	closed    atomic.Bool
	dead      atomic.Bool
	closeOnce sync.Once
	closeErr  error

	mu         sync.Mutex
	pending    *PendingCall
	serverInfo ServerInfo
	tools      []ToolDefinition
}

// NewClient creates an MCP client using the provided transport. No traffic
// is sent until Initialize.
func NewClient(transport Transport, opts Options) (*Client, error) {
	if transport == nil {
		return nil, errors.New("mcp: transport is nil")
	}

	info := opts.ClientInfo
	if strings.TrimSpace(info.Name) == "" {
		info.Name = "localcoder"
	}
	if strings.TrimSpace(info.Version) == "" {
		info.Version = "dev"
	}

	caps := opts.Capabilities
	if caps == nil {
		caps = map[string]any{}
	}

	proto := opts.ProtocolVersion
	if strings.TrimSpace(proto) == "" {
		proto = protocolVersion
	}

	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultHandshakeTimeout
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		transport:        transport,
		info:             info,
		capabilities:     caps,
		protoVersion:     proto,
		handshakeTimeout: handshake,
		callTimeout:      callTimeout,
		logger:           logger,
		inflight:         semaphore.NewWeighted(1),
	}, nil
}

// Connect spawns the tool server described by cfg and performs the
// handshake. On failure the process is stopped and the error wraps either
// ErrToolServerUnavailable or ErrProtocol.
func Connect(ctx context.Context, cfg ProcessConfig, opts Options) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = opts.Logger
	}
	proc := NewProcess(cfg)
	if err := proc.Start(ctx); err != nil {
		return nil, err
	}

	transport := newStdioTransport(proc.Stdin(), proc.Stdout(), proc.Done())
	client, err := NewClient(transport, opts)
	if err != nil {
		_ = transport.Close()
		_ = proc.Stop()
		return nil, err
	}
	client.process = proc

	if _, err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Initialize performs the handshake and tool discovery. The discovered tools
// are cached and returned. Any failure is reported as ErrProtocol.
func (c *Client) Initialize(ctx context.Context) ([]ToolDefinition, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	params := map[string]any{
		"protocolVersion": c.protoVersion,
		"clientInfo":      c.info,
		"capabilities":    c.capabilities,
	}
	var resp struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      ServerInfo `json:"serverInfo"`
	}
	if err := c.call(ctx, "initialize", params, &resp); err != nil {
		return nil, fmt.Errorf("%w: initialize: %w", ErrProtocol, err)
	}
	if strings.TrimSpace(resp.ProtocolVersion) == "" {
		return nil, fmt.Errorf("%w: initialize response without protocolVersion", ErrProtocol)
	}
	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("%w: initialized notification: %w", ErrProtocol, err)
	}

	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: tools/list: %w", ErrProtocol, err)
	}

	c.mu.Lock()
	c.serverInfo = resp.ServerInfo
	c.tools = tools
	c.mu.Unlock()

	c.logger.Info("tool server ready",
		zap.String("server", resp.ServerInfo.Name),
		zap.String("protocol", resp.ProtocolVersion),
		zap.Int("tools", len(tools)))
	return append([]ToolDefinition(nil), tools...), nil
}

// Close stops the tool server and releases the transport. Close is
// idempotent.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.process.Stop()
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("close transport", zap.Error(err))
		}
	})
	return c.closeErr
}

// Server returns metadata captured during the handshake.
func (c *Client) Server() ServerInfo {
	if c == nil {
		return ServerInfo{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Tools returns the definitions discovered by Initialize.
func (c *Client) Tools() []ToolDefinition {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolDefinition(nil), c.tools...)
}

// IsAlive reports whether calls can still reach the tool server.
func (c *Client) IsAlive() bool {
	if c == nil || c.closed.Load() || c.dead.Load() {
		return false
	}
	if c.process != nil {
		return c.process.IsAlive()
	}
	return true
}

// Pending returns the request currently in flight, if any.
func (c *Client) Pending() (PendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return PendingCall{}, false
	}
	return *c.pending, true
}

// ListTools retrieves the complete list of tools exposed by the MCP server,
// following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}

	var (
		cursor string
		tools  []ToolDefinition
	)
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var resp struct {
			Tools      []ToolDefinition `json:"tools"`
			NextCursor string           `json:"nextCursor,omitempty"`
		}
		if err := c.call(ctx, "tools/list", params, &resp); err != nil {
			return nil, err
		}

		tools = append(tools, resp.Tools...)
		if strings.TrimSpace(resp.NextCursor) == "" {
			break
		}
		cursor = resp.NextCursor
	}
	return tools, nil
}

// CallTool invokes a named tool. Failures are reported as *ToolError. A
// result flagged isError is a successful exchange and is returned with
// IsError set.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (CallResult, error) {
	if err := c.ensureOpen(); err != nil {
		if errors.Is(err, ErrProcessDied) {
			return CallResult{}, NewToolError(KindProcessDied, name, err)
		}
		return CallResult{}, err
	}
	if strings.TrimSpace(name) == "" {
		return CallResult{}, NewToolError(KindInvalidArguments, name, errors.New("tool name is required"))
	}

	params := map[string]any{"name": name}
	if arguments == nil {
		arguments = map[string]any{}
	}
	params["arguments"] = arguments

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var result CallResult
	err := c.call(callCtx, "tools/call", params, &result)
	switch {
	case err == nil:
		return result, nil
	case ctx.Err() != nil:
		return CallResult{}, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		c.logger.Warn("tool call timed out", zap.String("tool", name), zap.Duration("timeout", c.callTimeout))
		return CallResult{}, NewToolError(KindTimeout, name, fmt.Errorf("no response within %s", c.callTimeout))
	case errors.Is(err, ErrProcessDied):
		return CallResult{}, NewToolError(KindProcessDied, name, err)
	default:
		return CallResult{}, NewToolError(KindExecutionFailed, name, err)
	}
}

// ensureOpen validates that the client is usable.
func (c *Client) ensureOpen() error {
	if c == nil {
		return errors.New("mcp: client is nil")
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if c.dead.Load() || (c.process != nil && !c.process.IsAlive()) {
		return ErrProcessDied
	}
	return nil
}

func (c *Client) markDead(err error) {
	if c.dead.CompareAndSwap(false, true) {
		c.logger.Error("tool server connection lost", zap.Error(err))
	}
	c.process.MarkDead()
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type responseEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// normalizeID renders a JSON-RPC id as a plain string so numeric and string
// ids compare equal.
func normalizeID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	payload, err := json.Marshal(notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("mcp: marshal notification: %w", err)
	}
	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.inflight.Release(1)
	return c.transport.Send(ctx, payload)
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.inflight.Release(1)

	if err := c.ensureOpen(); err != nil {
		return err
	}

	id := c.idCounter.Add(1)
	payload, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("mcp: marshal request: %w", err)
	}

	c.mu.Lock()
	c.pending = &PendingCall{RequestID: id, Method: method, SentAt: time.Now()}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	if err := c.transport.Send(ctx, payload); err != nil {
		if errors.Is(err, ErrProcessDied) {
			c.markDead(err)
		}
		return err
	}

	want := strconv.FormatUint(id, 10)
	for {
		msg, err := c.transport.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrProcessDied) {
				c.markDead(err)
			}
			return err
		}

		var env responseEnvelope
		if err := json.Unmarshal(msg, &env); err != nil || env.JSONRPC != "2.0" {
			c.logger.Debug("skipping non JSON-RPC line", zap.ByteString("line", truncateBytes(msg, 200)))
			continue
		}

		msgID := normalizeID(env.ID)
		if env.Method != "" {
			if msgID != "" {
				c.answerServerRequest(ctx, env)
			}
			continue
		}
		if msgID != want {
			c.logger.Debug("discarding stale response", zap.String("id", msgID), zap.String("want", want))
			continue
		}

		if env.Error != nil {
			return env.Error
		}
		if out != nil {
			if len(env.Result) == 0 {
				return fmt.Errorf("mcp: %s response without result", method)
			}
			if err := json.Unmarshal(env.Result, out); err != nil {
				return fmt.Errorf("mcp: decode result: %w", err)
			}
		}
		return nil
	}
}

// answerServerRequest replies to requests the server sends while a call is
// outstanding. Only ping is supported.
func (c *Client) answerServerRequest(ctx context.Context, env responseEnvelope) {
	reply := map[string]any{"jsonrpc": "2.0", "id": env.ID}
	if env.Method == "ping" {
		reply["result"] = map[string]any{}
	} else {
		reply["error"] = rpcError{Code: -32601, Message: "method not found"}
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := c.transport.Send(ctx, payload); err != nil {
		c.logger.Debug("answer server request", zap.String("method", env.Method), zap.Error(err))
	}
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
