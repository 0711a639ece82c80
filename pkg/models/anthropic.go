package models

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
	"github.com/Protocol-Lattice/localcoder/pkg/tools"
)

// AnthropicEngine uses the Messages API with tool_use and tool_result blocks.
type AnthropicEngine struct {
	Client *anthropic.Client
	Model  string
	// MaxTokens is required by the API and used when the caller sets none.
	MaxTokens int
}

// NewAnthropicEngine constructs a client. It reads ANTHROPIC_API_KEY from the env.
func NewAnthropicEngine(model, baseURL string) *AnthropicEngine {
	opts := []anthropicopt.RequestOption{anthropicopt.WithAPIKey(os.Getenv("ANTHROPIC_API_KEY"))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, anthropicopt.WithBaseURL(baseURL))
	}
	cl := anthropic.NewClient(opts...)
	return &AnthropicEngine{
		Client:    &cl,
		Model:     model,
		MaxTokens: 1024,
	}
}

func (a *AnthropicEngine) Name() string { return "anthropic:" + a.Model }

func (a *AnthropicEngine) Chat(ctx context.Context, conv conversation.Conversation, schemas []tools.Schema, opts GenerateOptions) (Reply, error) {
	ctx, cancel := withTimeout(ctx, opts)
	defer cancel()

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.MaxTokens
	}
	system, messages := anthropicMessages(conv)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
		Tools:     anthropicTools(schemas),
	}
	if len(system) > 0 {
		params.System = system
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}

	msg, err := a.Client.Messages.New(ctx, params)
	if err != nil {
		return Reply{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var (
		text  strings.Builder
		calls []conversation.ToolCallRequest
	)
	for _, cb := range msg.Content {
		switch block := cb.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(block.Text)
		case anthropic.ToolUseBlock:
			calls = append(calls, decodeArguments(block.ID, block.Name, string(block.Input)))
		}
	}
	return replyFrom(text.String(), calls, string(msg.StopReason)), nil
}

// anthropicMessages lifts system messages into the system prompt and groups
// consecutive tool results into one user turn as the API requires.
func anthropicMessages(conv conversation.Conversation) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var (
		system   []anthropic.TextBlockParam
		messages []anthropic.MessageParam
		results  []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(results) > 0 {
			messages = append(messages, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, msg := range conv {
		if msg.Role == conversation.RoleTool {
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
			continue
		}
		flush()
		switch msg.Role {
		case conversation.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case conversation.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case conversation.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if strings.TrimSpace(msg.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, anthropicInput(call), call.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock("(no content)"))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flush()
	return system, messages
}

func anthropicInput(call conversation.ToolCallRequest) any {
	if call.Arguments != nil {
		return call.Arguments
	}
	if call.RawArguments != "" && json.Valid([]byte(call.RawArguments)) {
		return json.RawMessage(call.RawArguments)
	}
	return map[string]any{}
}

func anthropicTools(schemas []tools.Schema) []anthropic.ToolUnionParam {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, schema := range schemas {
		input := anthropic.ToolInputSchemaParam{
			Properties: schema.Parameters["properties"],
			Required:   requiredFields(schema.Parameters["required"]),
		}
		tool := anthropic.ToolParam{
			Name:        schema.Name,
			InputSchema: input,
		}
		if schema.Description != "" {
			tool.Description = anthropic.String(schema.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, item := range req {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
