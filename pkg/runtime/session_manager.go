package runtime

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Protocol-Lattice/localcoder/pkg/agent"
	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
	"github.com/Protocol-Lattice/localcoder/pkg/prompt"
	"github.com/Protocol-Lattice/localcoder/pkg/session"
)

// ChatRequest is one message in a multi-turn session.
type ChatRequest struct {
	Message string
	// SessionID is empty to start a new session.
	SessionID string
	Files     []string
	MaxTokens int
	NoTools   bool
	OnEvent   func(agent.Event)
}

// ChatResponse is the outcome of Chat.
type ChatResponse struct {
	Reply     string
	SessionID string
	// Turn is the number of turns the session retains after this one.
	Turn     int
	Warnings []string
	Result   *agent.Result
}

// Chat runs one turn of a session. Unknown non-empty ids fail with
// session.ErrUnknownSession. Only the user message, with any attached files,
// and the final reply are stored; tool traffic stays in the run's own conversation. A cancelled turn
// is not stored.
func (rt *Runtime) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyPrompt
	}

	id, _, err := rt.sessions.Resolve(req.SessionID)
	if err != nil {
		return nil, err
	}
	unlock, err := rt.sessions.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock so turns from a concurrent caller are seen.
	_, history, err := rt.sessions.Resolve(id)
	if err != nil {
		return nil, err
	}

	text, files, warnings := rt.loadFiles(req.Message, req.Files)
	conv := prompt.BuildMessages(text, files, history, rt.projectContext())

	res, err := rt.run(ctx, conv, !req.NoTools, req.MaxTokens, rt.cfg.maxTokens, req.OnEvent)
	if err != nil {
		return nil, err
	}
	reply := replyText(res)

	resp := &ChatResponse{Reply: reply, SessionID: id, Warnings: warnings, Result: res}
	if res.Status == agent.StatusCancelled {
		resp.Turn = session.CountTurns(history)
		return resp, nil
	}

	// The stored user message keeps the attached files so later turns see them.
	history = append(history, conversation.User(prompt.UserMessage(text, files)), conversation.Assistant(reply))
	if err := rt.sessions.Commit(id, history); err != nil {
		return nil, err
	}
	if resp.Turn, err = rt.sessions.Turns(id); err != nil {
		return nil, err
	}
	rt.logger.Debug("chat turn stored", zap.String("session", id), zap.Int("turn", resp.Turn))
	return resp, nil
}

// NewSession starts an empty session and returns its id.
func (rt *Runtime) NewSession() string {
	id, _, _ := rt.sessions.Resolve("")
	return id
}

// RemoveSession drops a session.
func (rt *Runtime) RemoveSession(id string) {
	rt.sessions.Evict(id)
}

// ActiveSessions returns all session ids.
func (rt *Runtime) ActiveSessions() []string {
	return rt.sessions.IDs()
}
