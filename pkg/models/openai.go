package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
	"github.com/Protocol-Lattice/localcoder/pkg/tools"
)

// OpenAIEngine speaks the chat completions API. With a custom base URL it
// also drives OpenAI-compatible local servers such as llama.cpp.
type OpenAIEngine struct {
	Client *openai.Client
	Model  string
}

// NewOpenAIEngine reads OPENAI_API_KEY (or OPENAI_KEY) and, when baseURL is
// empty, OPENAI_BASE_URL.
func NewOpenAIEngine(model, baseURL string) *OpenAIEngine {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_KEY") // fallback
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIEngine{Client: openai.NewClientWithConfig(cfg), Model: model}
}

func (o *OpenAIEngine) Name() string { return "openai:" + o.Model }

func (o *OpenAIEngine) Chat(ctx context.Context, conv conversation.Conversation, schemas []tools.Schema, opts GenerateOptions) (Reply, error) {
	ctx, cancel := withTimeout(ctx, opts)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:    o.Model,
		Messages: openAIMessages(conv),
		Tools:    openAITools(schemas),
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
	}

	resp, err := o.Client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Reply{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, errors.Join(ErrEmptyResponse, errors.New("no response from OpenAI"))
	}

	choice := resp.Choices[0]
	calls := make([]conversation.ToolCallRequest, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, decodeArguments(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	return replyFrom(choice.Message.Content, calls, string(choice.FinishReason)), nil
}

func openAIMessages(conv conversation.Conversation) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(conv))
	for _, msg := range conv {
		m := openai.ChatCompletionMessage{Content: msg.Content}
		switch msg.Role {
		case conversation.RoleSystem:
			m.Role = openai.ChatMessageRoleSystem
		case conversation.RoleUser:
			m.Role = openai.ChatMessageRoleUser
		case conversation.RoleAssistant:
			m.Role = openai.ChatMessageRoleAssistant
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: openAIArguments(call),
					},
				})
			}
		case conversation.RoleTool:
			m.Role = openai.ChatMessageRoleTool
			m.ToolCallID = msg.ToolCallID
		}
		out = append(out, m)
	}
	return out
}

func openAIArguments(call conversation.ToolCallRequest) string {
	if call.Malformed() && call.RawArguments != "" {
		return call.RawArguments
	}
	return encodeArguments(call.Arguments)
}

func openAITools(schemas []tools.Schema) []openai.Tool {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(schemas))
	for _, schema := range schemas {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        schema.Name,
				Description: schema.Description,
				Parameters:  schema.Parameters,
			},
		})
	}
	return out
}
