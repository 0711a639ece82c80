package runtime

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/Protocol-Lattice/localcoder/pkg/mcp"
	"github.com/Protocol-Lattice/localcoder/pkg/tools"
)

// ToolClient is a connected tool server.
type ToolClient interface {
	tools.Invoker
	Tools() []mcp.ToolDefinition
	Close() error
}

// ToolConnector starts a tool server and completes its handshake.
type ToolConnector func(ctx context.Context) (ToolClient, error)

// ProcessConnector launches cfg as a subprocess.
func ProcessConnector(cfg mcp.ProcessConfig, opts mcp.Options) ToolConnector {
	return func(ctx context.Context) (ToolClient, error) {
		client, err := mcp.Connect(ctx, cfg, opts)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

var errToolsDisabled = errors.New("tools are disabled")

// toolset connects at most once per runtime. A failed connection is not
// retried; later requests run degraded.
type toolset struct {
	connector ToolConnector
	logger    *zap.Logger

	mu         sync.Mutex
	attempted  bool
	client     ToolClient
	disp       *tools.Dispatcher
	connectErr error
}

func newToolset(connector ToolConnector, logger *zap.Logger) *toolset {
	return &toolset{connector: connector, logger: logger}
}

// dispatcher returns the live dispatcher, connecting on first use. A connect
// cut short by the caller's own cancellation is retried by the next caller.
func (t *toolset) dispatcher(ctx context.Context) (*tools.Dispatcher, error) {
	if t.connector == nil {
		return nil, errToolsDisabled
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.attempted {
		client, err := t.connector(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			t.logger.Debug("tool server connect abandoned by caller", zap.Error(err))
			return nil, err
		case err != nil:
			t.attempted = true
			t.connectErr = err
			t.logger.Error("tool server unavailable", zap.Error(err))
		default:
			t.attempted = true
			t.client = client
			t.disp = tools.NewDispatcher(tools.NewRegistry(client.Tools()), client)
			t.logger.Info("tool server connected", zap.Strings("tools", t.disp.Registry().Names()))
		}
	}
	if t.disp == nil {
		return nil, t.connectErr
	}
	return t.disp, nil
}

func (t *toolset) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	t.disp = nil
	return err
}
