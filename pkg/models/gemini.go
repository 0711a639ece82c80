package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
	"github.com/Protocol-Lattice/localcoder/pkg/tools"
)

// ---------------------------- Google Gemini ----------------------------------

// GeminiEngine uses Gemini function calling. Function responses are matched
// by name, so tool messages carry the name of the call they answer.
type GeminiEngine struct {
	Client *genai.Client
	Model  string
}

func NewGeminiEngine(ctx context.Context, model string) (*GeminiEngine, error) {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("missing GOOGLE_API_KEY or GEMINI_API_KEY")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini init: %w", err)
	}
	return &GeminiEngine{Client: client, Model: model}, nil
}

func (g *GeminiEngine) Name() string { return "gemini:" + g.Model }

// Close releases the underlying client.
func (g *GeminiEngine) Close() error {
	return g.Client.Close()
}

func (g *GeminiEngine) Chat(ctx context.Context, conv conversation.Conversation, schemas []tools.Schema, opts GenerateOptions) (Reply, error) {
	ctx, cancel := withTimeout(ctx, opts)
	defer cancel()

	model := g.Client.GenerativeModel(g.Model)
	if opts.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		model.SetTemperature(float32(*opts.Temperature))
	}
	if decls := geminiDeclarations(schemas); len(decls) > 0 {
		model.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	system, contents := geminiContents(conv)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(contents) == 0 {
		return Reply{}, errors.New("gemini: conversation has no user turn")
	}

	session := model.StartChat()
	session.History = contents[:len(contents)-1]
	resp, err := session.SendMessage(ctx, contents[len(contents)-1].Parts...)
	if err != nil {
		return Reply{}, fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Reply{}, fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}

	cand := resp.Candidates[0]
	var (
		text  strings.Builder
		calls []conversation.ToolCallRequest
	)
	for _, part := range cand.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			calls = append(calls, argumentsFromAny("call_"+strconv.Itoa(len(calls)), p.Name, p.Args))
		case *genai.FunctionCall:
			calls = append(calls, argumentsFromAny("call_"+strconv.Itoa(len(calls)), p.Name, p.Args))
		}
	}
	return replyFrom(text.String(), calls, cand.FinishReason.String()), nil
}

// geminiContents maps roles onto user/model turns and merges consecutive
// turns of the same role, which the API rejects.
func geminiContents(conv conversation.Conversation) (string, []*genai.Content) {
	var (
		system   []string
		contents []*genai.Content
	)
	push := func(role string, parts ...genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range conv {
		switch msg.Role {
		case conversation.RoleSystem:
			system = append(system, msg.Content)
		case conversation.RoleUser:
			push("user", genai.Text(msg.Content))
		case conversation.RoleAssistant:
			var parts []genai.Part
			if strings.TrimSpace(msg.Content) != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				args := call.Arguments
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, genai.FunctionCall{Name: call.Name, Args: args})
			}
			push("model", parts...)
		case conversation.RoleTool:
			push("user", genai.FunctionResponse{
				Name:     msg.ToolName,
				Response: map[string]any{"content": msg.Content},
			})
		}
	}
	return strings.Join(system, "\n\n"), contents
}

func geminiDeclarations(schemas []tools.Schema) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, schema := range schemas {
		out = append(out, &genai.FunctionDeclaration{
			Name:        schema.Name,
			Description: schema.Description,
			Parameters:  toGenaiSchema(schema.Parameters),
		})
	}
	return out
}

// toGenaiSchema converts the JSON schema subset Gemini understands.
func toGenaiSchema(def map[string]any) *genai.Schema {
	if def == nil {
		return nil
	}
	s := &genai.Schema{}
	if desc, ok := def["description"].(string); ok {
		s.Description = desc
	}
	switch typ := def["type"].(type) {
	case string:
		s.Type = genaiType(typ)
	case []any:
		for _, t := range typ {
			name, _ := t.(string)
			if name == "null" {
				s.Nullable = true
				continue
			}
			if s.Type == genai.TypeUnspecified {
				s.Type = genaiType(name)
			}
		}
	}
	if enum, ok := def["enum"].([]any); ok {
		for _, v := range enum {
			if str, ok := v.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}
	if items, ok := def["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if props, ok := def["properties"].(map[string]any); ok && len(props) > 0 {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if child, ok := raw.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(child)
			}
		}
	}
	s.Required = requiredFields(def["required"])
	if s.Type == genai.TypeUnspecified {
		if s.Properties != nil {
			s.Type = genai.TypeObject
		} else {
			s.Type = genai.TypeString
		}
	}
	return s
}

func genaiType(name string) genai.Type {
	switch name {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	}
	return genai.TypeUnspecified
}
