package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino/components/model"
)

// AnthropicConfig holds configuration for Anthropic Claude models.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string // e.g. "claude-sonnet-4-20250514"
	MaxTokens int
}

// NewAnthropicChatModel creates a Claude chat model.
func NewAnthropicChatModel(ctx context.Context, config *AnthropicConfig) (model.BaseChatModel, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	modelID := config.Model
	if modelID == "" {
		modelID = "claude-sonnet-4-20250514"
	}

	maxTokens := config.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	cfg := &claude.Config{
		APIKey:    apiKey,
		Model:     modelID,
		MaxTokens: maxTokens,
	}
	if config.BaseURL != "" {
		cfg.BaseURL = &config.BaseURL
	}

	chatModel, err := claude.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Claude model: %w", err)
	}
	return chatModel, nil
}
