package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
	"github.com/Protocol-Lattice/localcoder/pkg/mcp"
	"github.com/Protocol-Lattice/localcoder/pkg/models"
	"github.com/Protocol-Lattice/localcoder/pkg/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeInvoker stands in for the MCP client.
type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	dead  bool
	// behaviour by tool name; nil entries return "contents of <path>".
	fail map[string]error
}

func (f *fakeInvoker) CallTool(_ context.Context, name string, args map[string]any) (mcp.CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.dead {
		return mcp.CallResult{}, mcp.NewToolError(mcp.KindProcessDied, name, mcp.ErrProcessDied)
	}
	if err := f.fail[name]; err != nil {
		if mcp.IsKind(err, mcp.KindProcessDied) {
			f.dead = true
		}
		return mcp.CallResult{}, err
	}
	path, _ := args["path"].(string)
	return mcp.CallResult{Content: []mcp.Content{{Type: "text", Text: "contents of " + path}}}, nil
}

func (f *fakeInvoker) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead
}

func (f *fakeInvoker) invoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var fsTools = []mcp.ToolDefinition{
	{Name: "read_file", Description: "Read a file", InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)},
	{Name: "list_directory", Description: "List a directory", InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)},
	{Name: "slow", Description: "Never answers in time"},
}

func newLoop(t *testing.T, engine models.Engine, inv *fakeInvoker) *Loop {
	t.Helper()
	var dispatcher ToolDispatcher
	if inv != nil {
		dispatcher = tools.NewDispatcher(tools.NewRegistry(fsTools), inv)
	}
	loop, err := New(Options{Engine: engine, Dispatcher: dispatcher})
	require.NoError(t, err)
	return loop
}

func readCall(id, path string) conversation.ToolCallRequest {
	return conversation.ToolCallRequest{ID: id, Name: "read_file", Arguments: map[string]any{"path": path}}
}

func question(q string) conversation.Conversation {
	return conversation.Conversation{conversation.System("sys"), conversation.User(q)}
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestRunReadFileScenario(t *testing.T) {
	engine := models.NewScriptedEngine(
		models.ToolCallReply("", readCall("c1", "a.py")),
		models.TextReply("a.py prints hello"),
	)
	inv := &fakeInvoker{}
	loop := newLoop(t, engine, inv)

	res, err := loop.Run(context.Background(), RunRequest{Conversation: question("what does a.py do?"), ToolsEnabled: true})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.NoError(t, res.Err())
	assert.Equal(t, "a.py prints hello", res.FinalText)
	assert.Equal(t, 2, res.IterationsUsed)
	assert.False(t, res.Degraded)
	require.Len(t, res.ToolsInvoked, 1)
	assert.Equal(t, "contents of a.py", res.ToolsInvoked[0].Result)
	assert.Equal(t, []string{"read_file"}, inv.invoked())

	roles := make([]conversation.Role, 0, len(res.Conversation))
	for _, m := range res.Conversation {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []conversation.Role{
		conversation.RoleSystem, conversation.RoleUser, conversation.RoleAssistant,
		conversation.RoleTool, conversation.RoleAssistant,
	}, roles)
	require.NoError(t, res.Conversation.Validate())

	reqs := engine.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Schemas, 3)
	last := reqs[1].Conversation[len(reqs[1].Conversation)-1]
	assert.Equal(t, conversation.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Equal(t, "contents of a.py", last.Content)
}

func TestRunDoesNotMutateInput(t *testing.T) {
	engine := models.NewScriptedEngine(models.ToolCallReply("", readCall("c1", "a.py")), models.TextReply("done"))
	loop := newLoop(t, engine, &fakeInvoker{})
	input := question("q")

	_, err := loop.Run(context.Background(), RunRequest{Conversation: input, ToolsEnabled: true})
	require.NoError(t, err)
	assert.Len(t, input, 2)
}

func TestRunStopsAtIterationCeiling(t *testing.T) {
	engine := models.NewScriptedEngine().Forever(func(conversation.Conversation, []tools.Schema) (models.Reply, error) {
		return models.ToolCallReply("", readCall("c", "a.py")), nil
	})
	inv := &fakeInvoker{}
	loop := newLoop(t, engine, inv)

	res, err := loop.Run(context.Background(), RunRequest{Conversation: question("loop forever"), ToolsEnabled: true, MaxIterations: 50})
	require.NoError(t, err)

	assert.Equal(t, StatusExhausted, res.Status)
	assert.ErrorIs(t, res.Err(), ErrLoopExhausted)
	assert.Equal(t, DefaultMaxIterations, res.IterationsUsed)
	assert.Equal(t, DefaultMaxIterations, engine.Calls())
	assert.Equal(t, ExhaustedMessage, res.FinalText)
	assert.Len(t, inv.invoked(), DefaultMaxIterations)
	require.NoError(t, res.Conversation.Validate())
}

func TestRunExhaustedUsesLastAssistantText(t *testing.T) {
	engine := models.NewScriptedEngine().Forever(func(conversation.Conversation, []tools.Schema) (models.Reply, error) {
		return models.ToolCallReply("still checking", readCall("c", "a.py")), nil
	})
	loop := newLoop(t, engine, &fakeInvoker{})

	res, err := loop.Run(context.Background(), RunRequest{Conversation: question("q"), ToolsEnabled: true, MaxIterations: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, res.Status)
	assert.Equal(t, 3, engine.Calls())
	assert.Equal(t, "still checking", res.FinalText)
}

func TestRunUnknownToolIsReportedWithoutContactingServer(t *testing.T) {
	engine := models.NewScriptedEngine(
		models.ToolCallReply("", conversation.ToolCallRequest{ID: "c1", Name: "delete_everything"}),
		models.TextReply("sorry"),
	)
	inv := &fakeInvoker{}
	loop := newLoop(t, engine, inv)

	res, err := loop.Run(context.Background(), RunRequest{Conversation: question("q"), ToolsEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, "sorry", res.FinalText)
	assert.Empty(t, inv.invoked())
	require.Len(t, res.ToolsInvoked, 1)
	assert.True(t, mcp.IsKind(res.ToolsInvoked[0].Err, mcp.KindUnknownTool))
	assert.True(t, strings.HasPrefix(res.ToolsInvoked[0].Result, "Error: "))
}

func TestRunToolTimeoutContinuesLoop(t *testing.T) {
	engine := models.NewScriptedEngine(
		models.ToolCallReply("", conversation.ToolCallRequest{ID: "c1", Name: "slow", Arguments: map[string]any{}}),
		models.TextReply("the tool timed out"),
	)
	inv := &fakeInvoker{fail: map[string]error{"slow": mcp.NewToolError(mcp.KindTimeout, "slow", errors.New("no response within 30s"))}}
	loop := newLoop(t, engine, inv)

	res, err := loop.Run(context.Background(), RunRequest{Conversation: question("q"), ToolsEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.IterationsUsed)

	toolMsg := res.Conversation[3]
	assert.Equal(t, conversation.RoleTool, toolMsg.Role)
	assert.Contains(t, toolMsg.Content, "timeout")
	assert.False(t, res.Degraded)
}

func TestRunRejectsOrphanToolResult(t *testing.T) {
	engine := models.NewScriptedEngine(models.TextReply("unused"))
	loop := newLoop(t, engine, &fakeInvoker{})
	conv := conversation.Conversation{conversation.User("q"), conversation.ToolResult("x", "read_file", "data")}

	_, err := loop.Run(context.Background(), RunRequest{Conversation: conv, ToolsEnabled: true})
	require.ErrorIs(t, err, conversation.ErrOrphanToolResult)
	assert.Zero(t, engine.Calls())
}

func TestRunWithToolsDisabledIsSingleRoundTrip(t *testing.T) {
	engine := models.NewScriptedEngine(models.TextReply("answer"))
	loop := newLoop(t, engine, &fakeInvoker{})

	res, err := loop.Run(context.Background(), RunRequest{Conversation: question("q"), ToolsEnabled: false})
	require.NoError(t, err)
	assert.Equal(t, 1, res.IterationsUsed)
	assert.Empty(t, engine.Requests()[0].Schemas)
	assert.False(t, res.Degraded)
}

func TestRunWithoutToolServerIsDegraded(t *testing.T) {
	engine := models.NewScriptedEngine(
		models.ToolCallReply("", readCall("c1", "a.py")),
		models.TextReply("I cannot read files right now"),
	)
	loop := newLoop(t, engine, nil)

	res, err := loop.Run(context.Background(), RunRequest{Conversation: question("q"), ToolsEnabled: true})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Empty(t, engine.Requests()[0].Schemas)
	require.Len(t, res.ToolsInvoked, 1)
	assert.True(t, mcp.IsKind(res.ToolsInvoked[0].Err, mcp.KindUnknownTool))
}

func TestRunNudgesOnEmptyReply(t *testing.T) {
	engine := models.NewScriptedEngine(models.TextReply("  "), models.TextReply("answer"))
	loop := newLoop(t, engine, &fakeInvoker{})

	var nudged bool
	res, err := loop.Run(context.Background(), RunRequest{
		Conversation: question("q"),
		ToolsEnabled: true,
		OnEvent: func(ev Event) {
			if ev.Kind == EventNudge {
				nudged = true
			}
		},
	})
	require.NoError(t, err)
	assert.True(t, nudged)
	assert.Equal(t, 2, res.IterationsUsed)
	assert.Equal(t, "answer", res.FinalText)
	assert.Equal(t, nudgeMessage, res.Conversation[2].Content)
	assert.Equal(t, conversation.RoleUser, res.Conversation[2].Role)
}

func TestRunParsesInlineToolCalls(t *testing.T) {
	inline := "```json\n{\"name\": \"read_file\", \"arguments\": {\"path\": \"b.py\"}}\n```"
	engine := models.NewScriptedEngine(models.TextReply(inline), models.TextReply("b.py is empty"))
	inv := &fakeInvoker{}
	loop := newLoop(t, engine, inv)

	res, err := loop.Run(context.Background(), RunRequest{Conversation: question("q"), ToolsEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"read_file"}, inv.invoked())
	assert.Equal(t, "b.py is empty", res.FinalText)
	require.NoError(t, res.Conversation.Validate())
}

func TestRunInlineCallsIgnoredWhenToolsDisabled(t *testing.T) {
	inline := "```json\n{\"name\": \"read_file\", \"arguments\": {\"path\": \"b.py\"}}\n```"
	engine := models.NewScriptedEngine(models.TextReply(inline))
	inv := &fakeInvoker{}
	loop := newLoop(t, engine, inv)

	res, err := loop.Run(context.Background(), RunRequest{Conversation: question("q")})
	require.NoError(t, err)
	assert.Equal(t, inline, res.FinalText)
	assert.Empty(t, inv.invoked())
}

func TestRunReportsDuplicateCallIDs(t *testing.T) {
	engine := models.NewScriptedEngine(
		models.ToolCallReply("", readCall("dup", "a.py"), readCall("dup", "b.py"), conversation.ToolCallRequest{Name: "list_directory"}),
		models.TextReply("done"),
	)
	inv := &fakeInvoker{}
	loop := newLoop(t, engine, inv)

	res, err := loop.Run(context.Background(), RunRequest{Conversation: question("q"), ToolsEnabled: true})
	require.NoError(t, err)
	require.NoError(t, res.Conversation.Validate())
	assert.Equal(t, []string{"read_file", "list_directory"}, inv.invoked())
	require.Len(t, res.ToolsInvoked, 3)
	assert.True(t, mcp.IsKind(res.ToolsInvoked[1].Err, mcp.KindInvalidArguments))
	assert.NotEqual(t, res.ToolsInvoked[0].ID, res.ToolsInvoked[1].ID)
	assert.NotEmpty(t, res.ToolsInvoked[2].ID)
}

func TestRunProcessDeathDegradesRun(t *testing.T) {
	var schemasSeen [][]tools.Schema
	engine := models.NewScriptedEngine().
		ThenFunc(func(_ conversation.Conversation, s []tools.Schema) (models.Reply, error) {
			schemasSeen = append(schemasSeen, s)
			return models.ToolCallReply("", conversation.ToolCallRequest{ID: "1", Name: "list_directory", Arguments: map[string]any{}}, readCall("2", "a.py")), nil
		}).
		ThenFunc(func(_ conversation.Conversation, s []tools.Schema) (models.Reply, error) {
			schemasSeen = append(schemasSeen, s)
			return models.ToolCallReply("", readCall("3", "b.py")), nil
		}).
		ThenFunc(func(_ conversation.Conversation, s []tools.Schema) (models.Reply, error) {
			schemasSeen = append(schemasSeen, s)
			return models.TextReply("the file server crashed\n```json\n{\"name\": \"read_file\", \"arguments\": {\"path\": \"c.py\"}}\n```"), nil
		})
	inv := &fakeInvoker{fail: map[string]error{"list_directory": mcp.NewToolError(mcp.KindProcessDied, "list_directory", mcp.ErrProcessDied)}}
	loop := newLoop(t, engine, inv)

	res, err := loop.Run(context.Background(), RunRequest{Conversation: question("q"), ToolsEnabled: true})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.ToolsInvoked, 3)
	for _, inv := range res.ToolsInvoked {
		assert.True(t, mcp.IsKind(inv.Err, mcp.KindProcessDied))
		assert.True(t, inv.IsError)
	}

	// Requests after the crash still carry tool traffic, so schemas stay
	// advertised alongside it.
	require.Len(t, schemasSeen, 3)
	for _, s := range schemasSeen {
		assert.Len(t, s, 3)
	}
	for _, msg := range res.Conversation {
		if msg.Role == conversation.RoleTool {
			assert.True(t, msg.IsError, "tool message %s", msg.ToolCallID)
		}
	}
	assert.Contains(t, res.FinalText, "the file server crashed", "inline calls are not parsed once degraded")
}

func TestRunPropagatesEngineErrors(t *testing.T) {
	boom := errors.New("connection refused")
	engine := models.NewScriptedEngine().ThenFunc(func(conversation.Conversation, []tools.Schema) (models.Reply, error) {
		return models.Reply{}, boom
	})
	loop := newLoop(t, engine, &fakeInvoker{})

	_, err := loop.Run(context.Background(), RunRequest{Conversation: question("q"), ToolsEnabled: true})
	require.ErrorIs(t, err, boom)
}

func TestRunRejectsInvalidReply(t *testing.T) {
	engine := models.NewScriptedEngine(models.Reply{Kind: models.ReplyToolCalls})
	loop := newLoop(t, engine, &fakeInvoker{})

	_, err := loop.Run(context.Background(), RunRequest{Conversation: question("q")})
	require.Error(t, err)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := models.NewScriptedEngine().
		Then(models.ToolCallReply("looking", readCall("c1", "a.py"))).
		ThenFunc(func(conversation.Conversation, []tools.Schema) (models.Reply, error) {
			cancel()
			return models.Reply{}, context.Canceled
		})
	loop := newLoop(t, engine, &fakeInvoker{})

	res, err := loop.Run(ctx, RunRequest{Conversation: question("q"), ToolsEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.ErrorIs(t, res.Err(), context.Canceled)
	assert.Equal(t, "looking", res.FinalText)
	assert.Equal(t, 2, res.IterationsUsed)
}

func TestNormalizeCalls(t *testing.T) {
	calls := normalizeCalls([]conversation.ToolCallRequest{
		{Name: "a"},
		{ID: "x", Name: "b"},
		{ID: "x", Name: "c"},
		{ID: "call_1_0", Name: "d"},
	}, 1)
	ids := map[string]bool{}
	for _, c := range calls {
		assert.NotEmpty(t, c.ID)
		assert.False(t, ids[c.ID], "duplicate id %s", c.ID)
		ids[c.ID] = true
	}
	assert.False(t, calls[1].Malformed())
	assert.True(t, calls[2].Malformed())
	assert.False(t, calls[3].Malformed())
}
