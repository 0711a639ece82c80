package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrToolServerUnavailable reports that the tool server could not be
	// launched. Callers fall back to running without tools.
	ErrToolServerUnavailable = errors.New("mcp: tool server unavailable")
	// ErrProtocol reports a malformed or missing handshake response.
	ErrProtocol = errors.New("mcp: protocol error")
	// ErrProcessDied reports that the tool server exited or closed its output.
	ErrProcessDied = errors.New("mcp: tool server process died")
	// ErrClosed is returned by a client after Close.
	ErrClosed = errors.New("mcp: client closed")
)

// ErrorKind classifies a failed tool invocation.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota + 1
	KindProcessDied
	KindUnknownTool
	KindInvalidArguments
	KindExecutionFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindProcessDied:
		return "process died"
	case KindUnknownTool:
		return "unknown tool"
	case KindInvalidArguments:
		return "invalid arguments"
	case KindExecutionFailed:
		return "execution failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ToolError is the error returned for a single failed tool invocation. It
// never aborts an agent run; the loop turns it into a tool message.
type ToolError struct {
	Kind ErrorKind
	Tool string
	Err  error
}

// NewToolError builds a ToolError wrapping err.
func NewToolError(kind ErrorKind, tool string, err error) *ToolError {
	return &ToolError{Kind: kind, Tool: tool, Err: err}
}

func (e *ToolError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String()
	if e.Tool != "" {
		msg = fmt.Sprintf("tool %s: %s", e.Tool, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another ToolError by kind, and the ProcessDied kind also matches
// ErrProcessDied.
func (e *ToolError) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*ToolError); ok {
		return t.Kind == e.Kind
	}
	return e.Kind == KindProcessDied && target == ErrProcessDied
}

// IsKind reports whether err carries a ToolError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *ToolError
	if !errors.As(err, &te) {
		return false
	}
	return te.Kind == kind
}
