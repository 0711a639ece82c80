package session

import "github.com/Protocol-Lattice/localcoder/pkg/conversation"

// Trim keeps the newest maxTurns turn groups of conv. A group starts at a
// user message and runs until the next one, so a tool result is never
// separated from the assistant turn that requested it. System messages are
// always kept, in place.
func Trim(conv conversation.Conversation, maxTurns int) conversation.Conversation {
	if maxTurns <= 0 {
		return conv.Clone()
	}
	starts := groupStarts(conv)
	if len(starts) <= maxTurns {
		return conv.Clone()
	}
	cut := starts[len(starts)-maxTurns]

	out := make(conversation.Conversation, 0, len(conv)-cut)
	for i, msg := range conv {
		if i < cut && msg.Role != conversation.RoleSystem {
			continue
		}
		out = append(out, msg.Clone())
	}
	return out
}

// CountTurns returns the number of turn groups in conv.
func CountTurns(conv conversation.Conversation) int {
	return len(groupStarts(conv))
}

func groupStarts(conv conversation.Conversation) []int {
	var starts []int
	for i, msg := range conv {
		if msg.Role == conversation.RoleUser {
			starts = append(starts, i)
		}
	}
	return starts
}
