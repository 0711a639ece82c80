package conversation

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOrphanToolResult marks a tool message whose tool_call_id does not
	// match a request of the immediately preceding assistant message.
	ErrOrphanToolResult = errors.New("conversation: tool result without matching request")
	// ErrDuplicateToolResult marks a second tool message for the same request.
	ErrDuplicateToolResult = errors.New("conversation: duplicate tool result")
	// ErrDuplicateToolCallID marks an assistant turn reusing a call id.
	ErrDuplicateToolCallID = errors.New("conversation: duplicate tool call id")
	// ErrInvalidRole marks a message with an unknown role.
	ErrInvalidRole = errors.New("conversation: invalid role")
)

// Conversation is an ordered message history.
type Conversation []Message

// Clone returns a deep copy of c.
func (c Conversation) Clone() Conversation {
	if c == nil {
		return nil
	}
	out := make(Conversation, len(c))
	for i, msg := range c {
		out[i] = msg.Clone()
	}
	return out
}

// Append returns a new conversation with msgs appended; c is left untouched.
func (c Conversation) Append(msgs ...Message) Conversation {
	out := make(Conversation, 0, len(c)+len(msgs))
	out = append(out, c...)
	return append(out, msgs...)
}

// Validate checks roles and the tool-call correlation invariant: every tool
// message answers exactly one request of the assistant message directly
// before its batch of tool results.
func (c Conversation) Validate() error {
	var (
		open     map[string]bool
		answered map[string]bool
	)
	for i, msg := range c {
		if !msg.Role.Valid() {
			return fmt.Errorf("%w: message %d has role %q", ErrInvalidRole, i, msg.Role)
		}
		switch msg.Role {
		case RoleTool:
			id := strings.TrimSpace(msg.ToolCallID)
			if open == nil || id == "" || !open[id] {
				return fmt.Errorf("%w: message %d references %q", ErrOrphanToolResult, i, msg.ToolCallID)
			}
			if answered[id] {
				return fmt.Errorf("%w: message %d answers %q again", ErrDuplicateToolResult, i, id)
			}
			answered[id] = true
		case RoleAssistant:
			open, answered = nil, nil
			if len(msg.ToolCalls) == 0 {
				continue
			}
			open = make(map[string]bool, len(msg.ToolCalls))
			answered = make(map[string]bool, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				id := strings.TrimSpace(call.ID)
				if open[id] {
					return fmt.Errorf("%w: message %d repeats %q", ErrDuplicateToolCallID, i, id)
				}
				open[id] = true
			}
		default:
			open, answered = nil, nil
		}
	}
	return nil
}

// LastAssistantText returns the most recent non-empty assistant content.
func (c Conversation) LastAssistantText() string {
	for i := len(c) - 1; i >= 0; i-- {
		if c[i].Role != RoleAssistant {
			continue
		}
		if text := strings.TrimSpace(c[i].Content); text != "" {
			return text
		}
	}
	return ""
}

// SplitSystem separates leading system messages from the rest.
func (c Conversation) SplitSystem() (system []string, rest Conversation) {
	for i, msg := range c {
		if msg.Role != RoleSystem {
			return system, c[i:]
		}
		system = append(system, msg.Content)
	}
	return system, nil
}
