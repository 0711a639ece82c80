package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
	"github.com/Protocol-Lattice/localcoder/pkg/mcp"
)

// MaxResultSize caps the tool output appended to a conversation.
const MaxResultSize = 100000

// Invoker is the subset of the MCP client used for dispatch.
type Invoker interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (mcp.CallResult, error)
	IsAlive() bool
}

// Dispatcher validates calls against a Registry and forwards them to an
// Invoker.
type Dispatcher struct {
	registry *Registry
	invoker  Invoker
}

// NewDispatcher couples a registry with an invoker. A nil invoker yields a
// dispatcher that advertises no tools.
func NewDispatcher(registry *Registry, invoker Invoker) *Dispatcher {
	if registry == nil || invoker == nil {
		registry = EmptyRegistry()
	}
	return &Dispatcher{registry: registry, invoker: invoker}
}

// Registry returns the tool set this dispatcher validates against.
func (d *Dispatcher) Registry() *Registry {
	if d == nil {
		return EmptyRegistry()
	}
	return d.registry
}

// Available reports whether calls can reach a live tool server.
func (d *Dispatcher) Available() bool {
	return d != nil && d.invoker != nil && d.registry.Len() > 0 && d.invoker.IsAlive()
}

// Output is what the model sees for one completed call. IsError is set when
// the server answered with isError.
type Output struct {
	Text    string
	IsError bool
}

// Dispatch validates and runs one call. A non-nil error is always a
// *mcp.ToolError or a context error.
func (d *Dispatcher) Dispatch(ctx context.Context, call conversation.ToolCallRequest) (Output, error) {
	if d == nil {
		return Output{}, mcp.NewToolError(mcp.KindUnknownTool, call.Name, fmt.Errorf("no tools available"))
	}
	if err := d.registry.Validate(call); err != nil {
		return Output{}, err
	}
	if d.invoker == nil {
		return Output{}, mcp.NewToolError(mcp.KindUnknownTool, call.Name, fmt.Errorf("no tools available"))
	}

	result, err := d.invoker.CallTool(ctx, call.Name, call.Arguments)
	if err != nil {
		return Output{}, err
	}
	return Output{Text: FormatResult(result), IsError: result.IsError}, nil
}

// FormatResult renders a call result for the model. Results flagged isError
// are prefixed and oversized output is truncated.
func FormatResult(result mcp.CallResult) string {
	output := strings.TrimSpace(result.PrimaryText())
	if result.IsError {
		if output == "" {
			output = "tool reported an error"
		}
		output = "Error: " + output
	}
	if output == "" {
		output = "(empty result)"
	}
	return Truncate(output, MaxResultSize)
}

// Truncate cuts s to at most limit bytes on a rune boundary and appends a
// marker naming the dropped size.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s\n... [truncated %d characters]", s[:cut], len(s)-cut)
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
