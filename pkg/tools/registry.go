// Package tools holds the immutable set of tools discovered from the tool
// server and dispatches validated calls to it.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
	"github.com/Protocol-Lattice/localcoder/pkg/mcp"
)

// Schema describes one tool as advertised to an inference engine.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// FromDefinition converts a discovered MCP tool definition. A missing or
// unparseable input schema becomes an empty object schema.
func FromDefinition(def mcp.ToolDefinition) Schema {
	params := map[string]any{}
	if len(def.InputSchema) > 0 {
		if err := json.Unmarshal(def.InputSchema, &params); err != nil || params == nil {
			params = map[string]any{}
		}
	}
	if _, ok := params["type"]; !ok {
		params["type"] = "object"
	}
	if _, ok := params["properties"]; !ok {
		params["properties"] = map[string]any{}
	}
	return Schema{
		Name:        strings.TrimSpace(def.Name),
		Description: strings.TrimSpace(def.Description),
		Parameters:  params,
	}
}

// Registry is the immutable tool set of one connection. The zero value and a
// nil *Registry are both empty.
type Registry struct {
	order   []string
	schemas map[string]Schema
}

// NewRegistry builds a registry preserving discovery order. Nameless
// definitions are skipped and duplicate names keep the first occurrence.
func NewRegistry(defs []mcp.ToolDefinition) *Registry {
	r := &Registry{schemas: make(map[string]Schema, len(defs))}
	for _, def := range defs {
		schema := FromDefinition(def)
		if schema.Name == "" {
			continue
		}
		if _, exists := r.schemas[schema.Name]; exists {
			continue
		}
		r.schemas[schema.Name] = schema
		r.order = append(r.order, schema.Name)
	}
	return r
}

// EmptyRegistry is advertised when tools are disabled or unavailable.
func EmptyRegistry() *Registry {
	return &Registry{}
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Lookup returns a copy of the named schema.
func (r *Registry) Lookup(name string) (Schema, bool) {
	if r == nil {
		return Schema{}, false
	}
	schema, ok := r.schemas[name]
	if !ok {
		return Schema{}, false
	}
	schema.Parameters = maps.Clone(schema.Parameters)
	return schema, true
}

// Schemas returns all schemas in registration order.
func (r *Registry) Schemas() []Schema {
	if r == nil {
		return nil
	}
	out := make([]Schema, 0, len(r.order))
	for _, name := range r.order {
		schema := r.schemas[name]
		schema.Parameters = maps.Clone(schema.Parameters)
		out = append(out, schema)
	}
	return out
}

// Validate checks a call against the registry without contacting the tool
// server.
func (r *Registry) Validate(call conversation.ToolCallRequest) error {
	name := strings.TrimSpace(call.Name)
	if name == "" {
		return mcp.NewToolError(mcp.KindInvalidArguments, call.Name, errors.New("tool name is empty"))
	}
	if call.Malformed() {
		return mcp.NewToolError(mcp.KindInvalidArguments, name, errors.New(call.ArgumentError))
	}
	schema, ok := r.Lookup(name)
	if !ok {
		if r.Len() == 0 {
			return mcp.NewToolError(mcp.KindUnknownTool, name, errors.New("no tools are available"))
		}
		return mcp.NewToolError(mcp.KindUnknownTool, name, fmt.Errorf("available tools: %s", strings.Join(r.Names(), ", ")))
	}
	if err := validateArguments(call.Arguments, schema.Parameters); err != nil {
		return mcp.NewToolError(mcp.KindInvalidArguments, name, err)
	}
	return nil
}
