package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
	"github.com/Protocol-Lattice/localcoder/pkg/mcp"
)

var readFileSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"head": {"type": "integer"},
		"tail": {"type": ["integer", "null"]}
	},
	"required": ["path"]
}`)

func testDefs() []mcp.ToolDefinition {
	return []mcp.ToolDefinition{
		{Name: "read_file", Description: "Read a file", InputSchema: readFileSchema},
		{Name: "list_directory", Description: "List a directory"},
		{Name: "read_file", Description: "shadowed duplicate"},
		{Name: "  "},
	}
}

type fakeInvoker struct {
	calls  []string
	result mcp.CallResult
	err    error
	dead   bool
}

func (f *fakeInvoker) CallTool(_ context.Context, name string, _ map[string]any) (mcp.CallResult, error) {
	f.calls = append(f.calls, name)
	return f.result, f.err
}

func (f *fakeInvoker) IsAlive() bool { return !f.dead }

func TestRegistryPreservesOrderAndSkipsDuplicates(t *testing.T) {
	reg := NewRegistry(testDefs())
	assert.Equal(t, []string{"read_file", "list_directory"}, reg.Names())
	assert.Equal(t, 2, reg.Len())

	schema, ok := reg.Lookup("read_file")
	require.True(t, ok)
	assert.Equal(t, "Read a file", schema.Description)

	listing, ok := reg.Lookup("list_directory")
	require.True(t, ok)
	assert.Equal(t, "object", listing.Parameters["type"])
}

func TestRegistryLookupReturnsCopies(t *testing.T) {
	reg := NewRegistry(testDefs())
	schemas := reg.Schemas()
	schemas[0].Parameters["type"] = "mutated"

	again, _ := reg.Lookup("read_file")
	assert.Equal(t, "object", again.Parameters["type"])
}

func TestNilAndEmptyRegistries(t *testing.T) {
	var nilReg *Registry
	assert.Zero(t, nilReg.Len())
	assert.Empty(t, nilReg.Schemas())
	assert.Zero(t, EmptyRegistry().Len())

	err := EmptyRegistry().Validate(conversation.ToolCallRequest{ID: "1", Name: "read_file"})
	assert.True(t, mcp.IsKind(err, mcp.KindUnknownTool))
}

func TestValidate(t *testing.T) {
	reg := NewRegistry(testDefs())

	cases := []struct {
		name string
		call conversation.ToolCallRequest
		kind mcp.ErrorKind
	}{
		{"valid", conversation.ToolCallRequest{Name: "read_file", Arguments: map[string]any{"path": "a.py", "head": float64(3)}}, 0},
		{"nullable", conversation.ToolCallRequest{Name: "read_file", Arguments: map[string]any{"path": "a.py", "tail": nil}}, 0},
		{"unknown tool", conversation.ToolCallRequest{Name: "delete_everything"}, mcp.KindUnknownTool},
		{"empty name", conversation.ToolCallRequest{Name: ""}, mcp.KindInvalidArguments},
		{"missing required", conversation.ToolCallRequest{Name: "read_file", Arguments: map[string]any{}}, mcp.KindInvalidArguments},
		{"wrong type", conversation.ToolCallRequest{Name: "read_file", Arguments: map[string]any{"path": 42.0}}, mcp.KindInvalidArguments},
		{"fractional integer", conversation.ToolCallRequest{Name: "read_file", Arguments: map[string]any{"path": "a", "head": 1.5}}, mcp.KindInvalidArguments},
		{"malformed", conversation.ToolCallRequest{Name: "read_file", RawArguments: "{path:", ArgumentError: "unexpected end of JSON input"}, mcp.KindInvalidArguments},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := reg.Validate(tc.call)
			if tc.kind == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, mcp.IsKind(err, tc.kind), "got %v", err)
		})
	}
}

func TestDispatchUnknownToolDoesNotContactServer(t *testing.T) {
	inv := &fakeInvoker{}
	d := NewDispatcher(NewRegistry(testDefs()), inv)

	_, err := d.Dispatch(context.Background(), conversation.ToolCallRequest{ID: "1", Name: "rm_rf"})
	require.Error(t, err)
	assert.True(t, mcp.IsKind(err, mcp.KindUnknownTool))
	assert.Empty(t, inv.calls)
}

func TestDispatchFormatsResults(t *testing.T) {
	inv := &fakeInvoker{result: mcp.CallResult{Content: []mcp.Content{{Type: "text", Text: "print('hi')"}}}}
	d := NewDispatcher(NewRegistry(testDefs()), inv)
	call := conversation.ToolCallRequest{ID: "1", Name: "read_file", Arguments: map[string]any{"path": "a.py"}}

	out, err := d.Dispatch(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, Output{Text: "print('hi')"}, out)
	assert.Equal(t, []string{"read_file"}, inv.calls)

	inv.result = mcp.CallResult{IsError: true, Content: []mcp.Content{{Type: "text", Text: "ENOENT"}}}
	out, err = d.Dispatch(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, Output{Text: "Error: ENOENT", IsError: true}, out)

	// Content that merely starts with "Error" is not a failure.
	inv.result = mcp.CallResult{Content: []mcp.Content{{Type: "text", Text: "Error handling notes"}}}
	out, err = d.Dispatch(context.Background(), call)
	require.NoError(t, err)
	assert.False(t, out.IsError)

	inv.result = mcp.CallResult{}
	out, err = d.Dispatch(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, "(empty result)", out.Text)
}

func TestDispatchPropagatesToolErrors(t *testing.T) {
	inv := &fakeInvoker{err: mcp.NewToolError(mcp.KindTimeout, "read_file", nil)}
	d := NewDispatcher(NewRegistry(testDefs()), inv)

	_, err := d.Dispatch(context.Background(), conversation.ToolCallRequest{ID: "1", Name: "read_file", Arguments: map[string]any{"path": "a"}})
	assert.True(t, mcp.IsKind(err, mcp.KindTimeout))
}

func TestDispatcherAvailability(t *testing.T) {
	inv := &fakeInvoker{}
	assert.True(t, NewDispatcher(NewRegistry(testDefs()), inv).Available())
	assert.False(t, NewDispatcher(EmptyRegistry(), inv).Available())
	assert.False(t, NewDispatcher(NewRegistry(testDefs()), nil).Available())
	assert.Zero(t, NewDispatcher(NewRegistry(testDefs()), nil).Registry().Len())

	inv.dead = true
	assert.False(t, NewDispatcher(NewRegistry(testDefs()), inv).Available())

	var d *Dispatcher
	assert.False(t, d.Available())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))

	long := strings.Repeat("a", MaxResultSize+50)
	out := FormatResult(mcp.CallResult{Content: []mcp.Content{{Type: "text", Text: long}}})
	assert.True(t, strings.HasPrefix(out, strings.Repeat("a", MaxResultSize)))
	assert.Contains(t, out, "[truncated 50 characters]")

	// Never split a multi-byte rune.
	out = Truncate("héllo", 2)
	assert.True(t, strings.HasPrefix(out, "h\n"))
}
