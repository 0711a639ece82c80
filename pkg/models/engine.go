// Package models adapts inference providers to the single Engine boundary
// used by the agent loop. Provider output is normalised into a Reply that is
// either final text or a batch of tool calls.
package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
	"github.com/Protocol-Lattice/localcoder/pkg/tools"
)

// ErrEmptyResponse is returned when a provider answers with no candidates.
var ErrEmptyResponse = errors.New("models: empty response")

// GenerateOptions bounds one engine round trip.
type GenerateOptions struct {
	MaxTokens int
	// Temperature is left to the provider default when nil.
	Temperature *float64
	// Timeout bounds the request; zero means only the caller's context.
	Timeout time.Duration
}

// Temperature returns a pointer suitable for GenerateOptions.
func Temperature(v float64) *float64 { return &v }

// ReplyKind tags a Reply.
type ReplyKind int

const (
	ReplyText ReplyKind = iota
	ReplyToolCalls
)

func (k ReplyKind) String() string {
	if k == ReplyToolCalls {
		return "tool_calls"
	}
	return "text"
}

// Reply is the engine's answer for one round trip.
type Reply struct {
	Kind ReplyKind
	// Text is the final answer for ReplyText and optional commentary for
	// ReplyToolCalls.
	Text         string
	ToolCalls    []conversation.ToolCallRequest
	FinishReason string
}

// TextReply builds a final-answer reply.
func TextReply(text string) Reply {
	return Reply{Kind: ReplyText, Text: text}
}

// ToolCallReply builds a tool-call reply.
func ToolCallReply(text string, calls ...conversation.ToolCallRequest) Reply {
	return Reply{Kind: ReplyToolCalls, Text: text, ToolCalls: calls}
}

// Validate enforces the tag: text replies carry no calls and tool-call
// replies carry at least one.
func (r Reply) Validate() error {
	switch r.Kind {
	case ReplyText:
		if len(r.ToolCalls) > 0 {
			return fmt.Errorf("models: text reply carries %d tool calls", len(r.ToolCalls))
		}
	case ReplyToolCalls:
		if len(r.ToolCalls) == 0 {
			return errors.New("models: tool-call reply without calls")
		}
	default:
		return fmt.Errorf("models: unknown reply kind %d", r.Kind)
	}
	return nil
}

// Engine is an inference provider able to chat with tool schemas.
type Engine interface {
	Chat(ctx context.Context, conv conversation.Conversation, schemas []tools.Schema, opts GenerateOptions) (Reply, error)
	Name() string
}

// replyFrom builds the tagged reply from a provider's text and calls.
func replyFrom(text string, calls []conversation.ToolCallRequest, finish string) Reply {
	if len(calls) > 0 {
		return Reply{Kind: ReplyToolCalls, Text: strings.TrimSpace(text), ToolCalls: calls, FinishReason: finish}
	}
	return Reply{Kind: ReplyText, Text: text, FinishReason: finish}
}

func withTimeout(ctx context.Context, opts GenerateOptions) (context.Context, context.CancelFunc) {
	if opts.Timeout > 0 {
		return context.WithTimeout(ctx, opts.Timeout)
	}
	return context.WithCancel(ctx)
}
