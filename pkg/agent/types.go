package agent

import (
	"context"
	"errors"
	"time"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
	"github.com/Protocol-Lattice/localcoder/pkg/models"
	"github.com/Protocol-Lattice/localcoder/pkg/tools"
)

const (
	// DefaultMaxIterations is both the default and the upper bound on engine
	// round trips per run.
	DefaultMaxIterations = 10

	// ExhaustedMessage is the final text of a run that hit the iteration
	// ceiling before the model produced any text.
	ExhaustedMessage = "I could not complete this request within the tool-call limit."

	nudgeMessage = "You must respond. If you need filesystem information, call the appropriate tool " +
		"(e.g. list_directory, read_file). Otherwise provide your answer now."
)

// ErrLoopExhausted reports a run stopped by the iteration ceiling. It is
// informational; see Result.Err.
var ErrLoopExhausted = errors.New("agent: tool-call limit reached")

// ToolDispatcher validates and executes tool calls. *tools.Dispatcher is the
// production implementation.
type ToolDispatcher interface {
	Registry() *tools.Registry
	Available() bool
	Dispatch(ctx context.Context, call conversation.ToolCallRequest) (tools.Output, error)
}

// Status is the terminal state of a run.
type Status int

const (
	StatusCompleted Status = iota
	StatusExhausted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusExhausted:
		return "exhausted"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Invocation records one dispatched tool call.
type Invocation struct {
	ID        string
	Name      string
	Arguments map[string]any
	// Result is the text appended to the conversation, including error text.
	Result string
	// IsError is set when the call failed or the server reported an error.
	IsError  bool
	Err      error
	Duration time.Duration
}

// Result is the outcome of a run.
type Result struct {
	FinalText      string
	Conversation   conversation.Conversation
	IterationsUsed int
	ToolsInvoked   []Invocation
	Status         Status
	// Degraded is set when tools were requested but unavailable, or the
	// tool server died during the run.
	Degraded bool

	cause error
}

// Err returns ErrLoopExhausted for exhausted runs and the context error for
// cancelled runs.
func (r *Result) Err() error {
	if r == nil {
		return nil
	}
	switch r.Status {
	case StatusExhausted:
		return ErrLoopExhausted
	case StatusCancelled:
		if r.cause != nil {
			return r.cause
		}
		return context.Canceled
	}
	return nil
}

// EventKind identifies progress notifications emitted during a run.
type EventKind int

const (
	EventThinking EventKind = iota
	EventToolCall
	EventToolResult
	EventNudge
	EventInlineCalls
)

// Event is delivered synchronously to RunRequest.OnEvent.
type Event struct {
	Kind       EventKind
	Iteration  int
	Call       conversation.ToolCallRequest
	Invocation Invocation
	Count      int
}

// RunRequest is the input of Loop.Run.
type RunRequest struct {
	Conversation  conversation.Conversation
	ToolsEnabled  bool
	MaxIterations int
	Options       models.GenerateOptions
	OnEvent       func(Event)
}
