package models

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
)

// decodeArguments parses a provider's JSON argument string. Unparseable input
// produces a malformed request that dispatch reports back to the model.
func decodeArguments(id, name, raw string) conversation.ToolCallRequest {
	call := conversation.ToolCallRequest{ID: id, Name: name}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		call.Arguments = map[string]any{}
		return call
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		call.RawArguments = raw
		call.ArgumentError = "arguments are not a JSON object: " + err.Error()
		return call
	}
	if args == nil {
		args = map[string]any{}
	}
	call.Arguments = args
	return call
}

// argumentsFromAny normalises provider-typed argument maps through JSON.
func argumentsFromAny(id, name string, v any) conversation.ToolCallRequest {
	data, err := json.Marshal(v)
	if err != nil {
		return conversation.ToolCallRequest{ID: id, Name: name, ArgumentError: "arguments could not be encoded: " + err.Error()}
	}
	return decodeArguments(id, name, string(data))
}

func encodeArguments(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

var inlineCallPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseInlineToolCalls extracts tool calls that a model wrote as fenced JSON
// blocks of the form {"name": ..., "arguments": ...}. Only names accepted by
// known are returned; known may be nil to accept any name.
func ParseInlineToolCalls(text string, known func(string) bool) []conversation.ToolCallRequest {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var calls []conversation.ToolCallRequest
	for _, match := range inlineCallPattern.FindAllStringSubmatch(text, -1) {
		var obj struct {
			Name      *string         `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(match[1]), &obj); err != nil {
			continue
		}
		if obj.Name == nil || len(obj.Arguments) == 0 {
			continue
		}
		if known != nil && !known(*obj.Name) {
			continue
		}

		id := "inline_" + strconv.Itoa(len(calls))
		var asString string
		if err := json.Unmarshal(obj.Arguments, &asString); err == nil {
			calls = append(calls, decodeArguments(id, *obj.Name, asString))
			continue
		}
		calls = append(calls, decodeArguments(id, *obj.Name, string(obj.Arguments)))
	}
	return calls
}
