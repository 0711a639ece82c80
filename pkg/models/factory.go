package models

import (
	"context"
	"fmt"
	"strings"
)

// ProviderOptions carries provider settings that do not vary per request.
type ProviderOptions struct {
	BaseURL     string
	ContextSize int
}

// Providers lists the names accepted by NewEngine.
var Providers = []string{"ollama", "openai", "anthropic", "gemini", "dummy"}

// NewEngine builds the engine for provider. Aliases follow the common
// vendor names ("claude", "google", "llamacpp").
func NewEngine(ctx context.Context, provider, model string, opts ProviderOptions) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "ollama", "":
		return NewOllamaEngine(model, opts.BaseURL, opts.ContextSize)
	case "openai", "llamacpp", "llama.cpp":
		return NewOpenAIEngine(model, opts.BaseURL), nil
	case "anthropic", "claude":
		return NewAnthropicEngine(model, opts.BaseURL), nil
	case "gemini", "google":
		return NewGeminiEngine(ctx, model)
	case "dummy":
		return NewDummyEngine(""), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
}

// ParseModelRef splits "provider:model". A bare model keeps fallback as the
// provider.
func ParseModelRef(ref, fallback string) (provider, model string) {
	ref = strings.TrimSpace(ref)
	if p, m, ok := strings.Cut(ref, ":"); ok && IsProvider(p) {
		return p, m
	}
	return fallback, ref
}

// IsProvider reports whether name is accepted by NewEngine.
func IsProvider(name string) bool {
	switch strings.ToLower(name) {
	case "ollama", "openai", "llamacpp", "anthropic", "claude", "gemini", "google", "dummy":
		return true
	}
	return false
}
