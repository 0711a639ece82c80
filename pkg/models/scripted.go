package models

import (
	"context"
	"errors"
	"sync"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
	"github.com/Protocol-Lattice/localcoder/pkg/tools"
)

// ErrScriptExhausted is returned once a ScriptedEngine has no replies left.
var ErrScriptExhausted = errors.New("models: scripted engine has no more replies")

// ScriptedStep produces one reply from the conversation it is given.
type ScriptedStep func(conv conversation.Conversation, schemas []tools.Schema) (Reply, error)

// ScriptedEngine replays a fixed sequence of replies and records every
// request. It drives deterministic runs in tests and demos.
type ScriptedEngine struct {
	mu       sync.Mutex
	steps    []ScriptedStep
	repeat   ScriptedStep
	requests []ScriptedRequest
}

// ScriptedRequest is a recorded Chat call.
type ScriptedRequest struct {
	Conversation conversation.Conversation
	Schemas      []tools.Schema
	Options      GenerateOptions
}

// NewScriptedEngine returns an engine answering with replies in order.
func NewScriptedEngine(replies ...Reply) *ScriptedEngine {
	e := &ScriptedEngine{}
	for _, r := range replies {
		e.Then(r)
	}
	return e
}

// Then appends a fixed reply.
func (e *ScriptedEngine) Then(r Reply) *ScriptedEngine {
	return e.ThenFunc(func(conversation.Conversation, []tools.Schema) (Reply, error) { return r, nil })
}

// ThenFunc appends a computed reply.
func (e *ScriptedEngine) ThenFunc(step ScriptedStep) *ScriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps = append(e.steps, step)
	return e
}

// Forever makes the engine answer with step once the script runs out.
func (e *ScriptedEngine) Forever(step ScriptedStep) *ScriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.repeat = step
	return e
}

func (e *ScriptedEngine) Name() string { return "scripted" }

func (e *ScriptedEngine) Chat(ctx context.Context, conv conversation.Conversation, schemas []tools.Schema, opts GenerateOptions) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	e.mu.Lock()
	e.requests = append(e.requests, ScriptedRequest{
		Conversation: conv.Clone(),
		Schemas:      append([]tools.Schema(nil), schemas...),
		Options:      opts,
	})
	var step ScriptedStep
	if len(e.steps) > 0 {
		step, e.steps = e.steps[0], e.steps[1:]
	} else {
		step = e.repeat
	}
	e.mu.Unlock()

	if step == nil {
		return Reply{}, ErrScriptExhausted
	}
	return step(conv, schemas)
}

// Requests returns the recorded calls.
func (e *ScriptedEngine) Requests() []ScriptedRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ScriptedRequest(nil), e.requests...)
}

// Calls returns how many times Chat was invoked.
func (e *ScriptedEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

var _ Engine = (*ScriptedEngine)(nil)
