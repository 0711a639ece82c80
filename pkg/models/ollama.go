package models

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
	"github.com/Protocol-Lattice/localcoder/pkg/tools"
)

// ---------------------------- Ollama -----------------------------------------

// DefaultOllamaHost is used when neither the base URL nor OLLAMA_HOST is set.
const DefaultOllamaHost = "http://localhost:11434"

// OllamaEngine talks to a local Ollama daemon through /api/chat with native
// tool calling.
type OllamaEngine struct {
	Client      *ollama.Client
	Model       string
	ContextSize int
}

// NewOllamaEngine builds an engine for model. baseURL falls back to
// OLLAMA_HOST and then DefaultOllamaHost.
func NewOllamaEngine(model, baseURL string, contextSize int) (*OllamaEngine, error) {
	host := strings.TrimSpace(baseURL)
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = DefaultOllamaHost
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}

	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: %w", host, err)
	}

	httpClient := &http.Client{
		Timeout: 10 * time.Minute,
	}

	c := ollama.NewClient(u, httpClient)
	return &OllamaEngine{Client: c, Model: model, ContextSize: contextSize}, nil
}

func (o *OllamaEngine) Name() string { return "ollama:" + o.Model }

func (o *OllamaEngine) Chat(ctx context.Context, conv conversation.Conversation, schemas []tools.Schema, opts GenerateOptions) (Reply, error) {
	ctx, cancel := withTimeout(ctx, opts)
	defer cancel()

	messages, err := ollamaMessages(conv)
	if err != nil {
		return Reply{}, err
	}
	toolDefs, err := ollamaTools(schemas)
	if err != nil {
		return Reply{}, err
	}

	stream := false
	req := &ollama.ChatRequest{
		Model:    o.Model,
		Messages: messages,
		Stream:   &stream,
		Tools:    toolDefs,
		Options:  map[string]any{},
	}
	if opts.MaxTokens > 0 {
		req.Options["num_predict"] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Options["temperature"] = *opts.Temperature
	}
	if o.ContextSize > 0 {
		req.Options["num_ctx"] = o.ContextSize
	}

	var (
		text  strings.Builder
		calls []ollama.ToolCall
		last  ollama.ChatResponse
	)
	if err := o.Client.Chat(ctx, req, func(cr ollama.ChatResponse) error {
		text.WriteString(cr.Message.Content)
		calls = append(calls, cr.Message.ToolCalls...)
		last = cr
		return nil
	}); err != nil {
		return Reply{}, fmt.Errorf("ollama chat: %w", err)
	}

	requests := make([]conversation.ToolCallRequest, 0, len(calls))
	for i, call := range calls {
		requests = append(requests, argumentsFromAny("call_"+strconv.Itoa(i), call.Function.Name, call.Function.Arguments))
	}
	return replyFrom(text.String(), requests, last.DoneReason), nil
}

func ollamaMessages(conv conversation.Conversation) ([]ollama.Message, error) {
	out := make([]ollama.Message, 0, len(conv))
	for _, msg := range conv {
		m := ollama.Message{Role: string(msg.Role), Content: msg.Content}
		if len(msg.ToolCalls) > 0 {
			calls, err := ollamaToolCalls(msg.ToolCalls)
			if err != nil {
				return nil, err
			}
			m.ToolCalls = calls
		}
		out = append(out, m)
	}
	return out, nil
}

// ollamaToolCalls converts through the wire format so the conversion does not
// depend on the client's argument map type.
func ollamaToolCalls(calls []conversation.ToolCallRequest) ([]ollama.ToolCall, error) {
	wire := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		args := call.Arguments
		if args == nil {
			args = map[string]any{}
		}
		wire = append(wire, map[string]any{
			"function": map[string]any{"name": call.Name, "arguments": args},
		})
	}
	var out []ollama.ToolCall
	if err := roundTrip(wire, &out); err != nil {
		return nil, fmt.Errorf("ollama: encode tool calls: %w", err)
	}
	return out, nil
}

func ollamaTools(schemas []tools.Schema) (ollama.Tools, error) {
	if len(schemas) == 0 {
		return nil, nil
	}
	wire := make([]map[string]any, 0, len(schemas))
	for _, schema := range schemas {
		wire = append(wire, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        schema.Name,
				"description": schema.Description,
				"parameters":  schema.Parameters,
			},
		})
	}
	var out ollama.Tools
	if err := roundTrip(wire, &out); err != nil {
		return nil, fmt.Errorf("ollama: encode tools: %w", err)
	}
	return out, nil
}

func roundTrip(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
