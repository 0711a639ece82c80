// Package conversation defines the message model exchanged between the
// agentic loop, the inference engines and the session store.
package conversation

import (
	"maps"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCallRequest is a structured tool invocation emitted by an engine.
type ToolCallRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// RawArguments keeps the engine's original argument text when it could
	// not be decoded into Arguments.
	RawArguments string `json:"raw_arguments,omitempty"`
	// ArgumentError describes why the request is malformed. A non-empty value
	// makes dispatch fail with an invalid-arguments tool error.
	ArgumentError string `json:"argument_error,omitempty"`
}

// Malformed reports whether the request was flagged at the engine boundary.
func (c ToolCallRequest) Malformed() bool {
	return strings.TrimSpace(c.ArgumentError) != ""
}

// Clone returns a copy whose argument map is not shared with c.
func (c ToolCallRequest) Clone() ToolCallRequest {
	out := c
	if c.Arguments != nil {
		out.Arguments = maps.Clone(c.Arguments)
	}
	return out
}

// Message is a single conversation entry. ToolCalls is only set on assistant
// messages and ToolCallID only on tool messages.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	// ToolName mirrors the name of the request a tool message answers. Some
	// engines (Gemini) correlate results by name rather than id.
	ToolName string `json:"tool_name,omitempty"`
	// IsError marks a tool message that reports a failed call.
	IsError bool `json:"is_error,omitempty"`
}

// HasToolCalls reports whether m is an assistant turn requesting tools.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Clone deep-copies the tool call slice.
func (m Message) Clone() Message {
	out := m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCallRequest, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			out.ToolCalls[i] = call.Clone()
		}
	}
	return out
}

func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// AssistantToolCalls builds the assistant message that carries a batch of
// tool calls. content may be empty.
func AssistantToolCalls(content string, calls []ToolCallRequest) Message {
	msg := Message{Role: RoleAssistant, Content: content}
	msg.ToolCalls = make([]ToolCallRequest, len(calls))
	for i, call := range calls {
		msg.ToolCalls[i] = call.Clone()
	}
	return msg
}

// ToolResult builds the tool message answering the request with callID.
func ToolResult(callID, toolName, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, ToolName: toolName}
}

// ToolFailure builds a tool message reporting that the call failed.
func ToolFailure(callID, toolName, content string) Message {
	msg := ToolResult(callID, toolName, content)
	msg.IsError = true
	return msg
}
