// Package provider builds Eino chat models for the configured LLM providers.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
)

// Supported provider ids.
const (
	Anthropic = "anthropic"
	OpenAI    = "openai"
	Ark       = "ark"
)

// Config holds the connection settings of one provider.
type Config struct {
	APIKey    string `json:"apiKey,omitempty"`
	BaseURL   string `json:"baseURL,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

// ModelRef references a specific model.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// String formats the reference as "provider/model".
func (r ModelRef) String() string {
	return r.ProviderID + "/" + r.ModelID
}

// ParseModelString parses "provider/model" format.
func ParseModelString(s string) (providerID, modelID string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", s
}

// ParseModelRef parses "provider/model" and rejects references without a provider.
func ParseModelRef(s string) (ModelRef, error) {
	providerID, modelID := ParseModelString(strings.TrimSpace(s))
	if providerID == "" {
		return ModelRef{}, fmt.Errorf("model %q must be in provider/model form", s)
	}
	return ModelRef{ProviderID: providerID, ModelID: modelID}, nil
}

// newChatModel dispatches to the provider-specific constructor.
func newChatModel(ctx context.Context, ref ModelRef, cfg Config) (model.BaseChatModel, error) {
	switch ref.ProviderID {
	case Anthropic, "claude":
		return NewAnthropicChatModel(ctx, &AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     ref.ModelID,
			MaxTokens: cfg.MaxTokens,
		})
	case OpenAI:
		return NewOpenAIChatModel(ctx, &OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     ref.ModelID,
			MaxTokens: cfg.MaxTokens,
		})
	case Ark:
		return NewArkChatModel(ctx, &ArkConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     ref.ModelID,
			MaxTokens: cfg.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("provider not supported: %s", ref.ProviderID)
	}
}
