// Package agent runs the bounded tool-calling loop between an inference
// engine and the tool server.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
	"github.com/Protocol-Lattice/localcoder/pkg/mcp"
	"github.com/Protocol-Lattice/localcoder/pkg/models"
	"github.com/Protocol-Lattice/localcoder/pkg/tools"
)

// Options configure a new Loop.
type Options struct {
	Engine models.Engine
	// Dispatcher may be nil, in which case every run is tool-less.
	Dispatcher    ToolDispatcher
	Logger        *zap.Logger
	MaxIterations int
}

// Loop drives AwaitingModel -> ExecutingTools -> AwaitingModel until the
// engine answers with text, the iteration ceiling is hit or the context ends.
// A Loop holds no per-run state and may serve concurrent runs.
type Loop struct {
	engine        models.Engine
	dispatcher    ToolDispatcher
	logger        *zap.Logger
	maxIterations int
}

// New creates a Loop with the provided options.
func New(opts Options) (*Loop, error) {
	if opts.Engine == nil {
		return nil, errors.New("agent requires an inference engine")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		engine:        opts.Engine,
		dispatcher:    opts.Dispatcher,
		logger:        logger,
		maxIterations: clampIterations(opts.MaxIterations, DefaultMaxIterations),
	}, nil
}

// Engine returns the engine the loop calls.
func (l *Loop) Engine() models.Engine { return l.engine }

func clampIterations(n, fallback int) int {
	if n <= 0 {
		n = fallback
	}
	if n > DefaultMaxIterations {
		n = DefaultMaxIterations
	}
	return n
}

// run carries the state of one Run call.
type run struct {
	loop     *Loop
	req      RunRequest
	conv     conversation.Conversation
	start    int
	schemas  []tools.Schema
	registry *tools.Registry
	result   *Result
}

// Run executes the loop on a copy of req.Conversation. Only engine failures
// and an invalid input conversation are returned as errors; tool failures
// become tool messages.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*Result, error) {
	conv := req.Conversation.Clone()
	if err := conv.Validate(); err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	r := &run{
		loop:     l,
		req:      req,
		conv:     conv,
		start:    len(conv),
		registry: tools.EmptyRegistry(),
		result:   &Result{Status: StatusCompleted},
	}
	if req.ToolsEnabled {
		if l.dispatcher != nil && l.dispatcher.Available() {
			r.registry = l.dispatcher.Registry()
			r.schemas = r.registry.Schemas()
		} else {
			r.result.Degraded = true
			l.logger.Warn("tools requested but unavailable, running without tools")
		}
	}

	limit := clampIterations(req.MaxIterations, l.maxIterations)
	for r.result.IterationsUsed < limit {
		if err := ctx.Err(); err != nil {
			return r.cancelled(err), nil
		}
		if err := r.conv.Validate(); err != nil {
			return nil, fmt.Errorf("agent: %w", err)
		}

		iteration := r.result.IterationsUsed + 1
		r.emit(Event{Kind: EventThinking, Iteration: iteration})
		reply, err := l.engine.Chat(ctx, r.conv, r.schemas, req.Options)
		r.result.IterationsUsed = iteration
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return r.cancelled(ctxErr), nil
			}
			return nil, fmt.Errorf("agent: engine %s: %w", l.engine.Name(), err)
		}
		if err := reply.Validate(); err != nil {
			return nil, fmt.Errorf("agent: engine %s: %w", l.engine.Name(), err)
		}
		reply = r.inlineFallback(reply, iteration)

		l.logger.Debug("engine replied",
			zap.Int("iteration", iteration),
			zap.Stringer("kind", reply.Kind),
			zap.Int("tool_calls", len(reply.ToolCalls)),
			zap.String("finish_reason", reply.FinishReason))

		if reply.Kind == models.ReplyText {
			if strings.TrimSpace(reply.Text) == "" {
				r.conv = append(r.conv, conversation.User(nudgeMessage))
				r.emit(Event{Kind: EventNudge, Iteration: iteration})
				continue
			}
			r.conv = append(r.conv, conversation.Assistant(reply.Text))
			r.result.FinalText = reply.Text
			return r.finish(), nil
		}

		calls := normalizeCalls(reply.ToolCalls, iteration)
		r.conv = append(r.conv, conversation.AssistantToolCalls(reply.Text, calls))
		if err := r.executeBatch(ctx, calls, iteration); err != nil {
			return r.cancelled(err), nil
		}
	}

	r.result.Status = StatusExhausted
	r.result.FinalText = r.conv[r.start:].LastAssistantText()
	if r.result.FinalText == "" {
		r.result.FinalText = ExhaustedMessage
	}
	l.logger.Warn("tool-call limit reached",
		zap.Int("iterations", r.result.IterationsUsed),
		zap.Int("tool_calls", len(r.result.ToolsInvoked)))
	return r.finish(), nil
}

// inlineFallback turns fenced JSON tool calls inside a text reply into a
// tool-call reply when tools are advertised.
func (r *run) inlineFallback(reply models.Reply, iteration int) models.Reply {
	if reply.Kind != models.ReplyText || len(r.schemas) == 0 || r.result.Degraded {
		return reply
	}
	calls := models.ParseInlineToolCalls(reply.Text, func(name string) bool {
		_, ok := r.registry.Lookup(name)
		return ok
	})
	if len(calls) == 0 {
		return reply
	}
	r.loop.logger.Debug("parsed inline tool calls", zap.Int("count", len(calls)), zap.Int("iteration", iteration))
	r.emit(Event{Kind: EventInlineCalls, Iteration: iteration, Count: len(calls)})
	return models.ToolCallReply("", calls...)
}

// executeBatch dispatches every call in order and appends one tool message
// per call. It only fails when ctx ends, after answering the remaining calls.
func (r *run) executeBatch(ctx context.Context, calls []conversation.ToolCallRequest, iteration int) error {
	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			for _, rest := range calls[i:] {
				r.conv = append(r.conv, conversation.ToolFailure(rest.ID, rest.Name, "Error: "+err.Error()))
			}
			return err
		}

		r.emit(Event{Kind: EventToolCall, Iteration: iteration, Call: call})
		inv := r.dispatch(ctx, call)
		r.result.ToolsInvoked = append(r.result.ToolsInvoked, inv)
		msg := conversation.ToolResult(call.ID, call.Name, inv.Result)
		msg.IsError = inv.IsError
		r.conv = append(r.conv, msg)
		r.emit(Event{Kind: EventToolResult, Iteration: iteration, Call: call, Invocation: inv})

		if mcp.IsKind(inv.Err, mcp.KindProcessDied) && !r.result.Degraded {
			// Schemas stay advertised while the conversation carries tool
			// traffic; later calls fail fast against the dead client.
			r.result.Degraded = true
			r.loop.logger.Error("tool server died during run", zap.String("tool", call.Name), zap.Error(inv.Err))
		}
	}
	return nil
}

func (r *run) dispatch(ctx context.Context, call conversation.ToolCallRequest) Invocation {
	inv := Invocation{ID: call.ID, Name: call.Name, Arguments: call.Arguments}
	started := time.Now()

	var (
		out tools.Output
		err error
	)
	if r.loop.dispatcher == nil || r.registry.Len() == 0 {
		err = tools.EmptyRegistry().Validate(call)
	} else {
		out, err = r.loop.dispatcher.Dispatch(ctx, call)
	}
	inv.Duration = time.Since(started)

	if err != nil {
		inv.Err = err
		inv.IsError = true
		inv.Result = "Error: " + err.Error()
		r.loop.logger.Info("tool call failed",
			zap.String("tool", call.Name),
			zap.Duration("duration", inv.Duration),
			zap.Error(err))
		return inv
	}
	inv.Result = out.Text
	inv.IsError = out.IsError
	r.loop.logger.Info("tool call",
		zap.String("tool", call.Name),
		zap.Duration("duration", inv.Duration),
		zap.Bool("is_error", out.IsError),
		zap.Int("result_bytes", len(out.Text)))
	return inv
}

func (r *run) cancelled(err error) *Result {
	r.result.Status = StatusCancelled
	r.result.cause = err
	r.result.FinalText = r.conv[r.start:].LastAssistantText()
	if r.result.FinalText == "" {
		r.result.FinalText = ExhaustedMessage
	}
	r.loop.logger.Info("run cancelled", zap.Int("iterations", r.result.IterationsUsed), zap.Error(err))
	return r.finish()
}

func (r *run) finish() *Result {
	r.result.Conversation = r.conv
	return r.result
}

func (r *run) emit(ev Event) {
	if r.req.OnEvent != nil {
		r.req.OnEvent(ev)
	}
}

// normalizeCalls gives every call a unique id within its turn. An empty id is
// replaced; a repeated id is replaced and the call is flagged malformed so
// the model learns about it.
func normalizeCalls(calls []conversation.ToolCallRequest, iteration int) []conversation.ToolCallRequest {
	given := make(map[string]bool, len(calls))
	for _, call := range calls {
		if id := strings.TrimSpace(call.ID); id != "" {
			given[id] = true
		}
	}

	out := make([]conversation.ToolCallRequest, len(calls))
	used := make(map[string]bool, len(calls))
	for i, call := range calls {
		call = call.Clone()
		id := strings.TrimSpace(call.ID)
		if id != "" && used[id] {
			if !call.Malformed() {
				call.ArgumentError = fmt.Sprintf("duplicate tool call id %q in one turn", id)
			}
			id = ""
		}
		if id == "" {
			id = "call_" + strconv.Itoa(iteration) + "_" + strconv.Itoa(i)
			for given[id] || used[id] {
				id += "_"
			}
		}
		used[id] = true
		call.ID = id
		out[i] = call
	}
	return out
}
