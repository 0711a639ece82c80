package models

import (
	"context"
	"fmt"
	"strings"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
	"github.com/Protocol-Lattice/localcoder/pkg/tools"
)

// DummyEngine echoes the last user message. Useful for local testing without
// a model server.
type DummyEngine struct {
	Prefix string
}

func NewDummyEngine(prefix string) *DummyEngine {
	if strings.TrimSpace(prefix) == "" {
		prefix = "Dummy response:"
	}
	return &DummyEngine{Prefix: prefix}
}

func (d *DummyEngine) Name() string { return "dummy" }

func (d *DummyEngine) Chat(_ context.Context, conv conversation.Conversation, _ []tools.Schema, _ GenerateOptions) (Reply, error) {
	var last string
	for i := len(conv) - 1; i >= 0 && last == ""; i-- {
		if conv[i].Role != conversation.RoleUser {
			continue
		}
		lines := strings.Split(conv[i].Content, "\n")
		for j := len(lines) - 1; j >= 0; j-- {
			if candidate := strings.TrimSpace(lines[j]); candidate != "" {
				last = candidate
				break
			}
		}
	}
	if last == "" {
		last = "<empty prompt>"
	}
	return TextReply(fmt.Sprintf("%s %s", d.Prefix, last)), nil
}

var _ Engine = (*DummyEngine)(nil)
