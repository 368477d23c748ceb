package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubModel struct{ name string }

func (s *stubModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage(s.name, nil), nil
}

func (s *stubModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage(s.name, nil)}), nil
}

func TestParseModelString(t *testing.T) {
	p, m := ParseModelString("anthropic/claude-sonnet-4-20250514")
	assert.Equal(t, "anthropic", p)
	assert.Equal(t, "claude-sonnet-4-20250514", m)

	p, m = ParseModelString("gpt-4o")
	assert.Empty(t, p)
	assert.Equal(t, "gpt-4o", m)

	// Only the first slash separates the provider.
	p, m = ParseModelString("openai/org/model")
	assert.Equal(t, "openai", p)
	assert.Equal(t, "org/model", m)
}

func TestParseModelRef(t *testing.T) {
	ref, err := ParseModelRef(" ark/ep-123 ")
	require.NoError(t, err)
	assert.Equal(t, ModelRef{ProviderID: "ark", ModelID: "ep-123"}, ref)
	assert.Equal(t, "ark/ep-123", ref.String())

	_, err = ParseModelRef("gpt-4o")
	assert.Error(t, err)
}

func TestRegistry_CachesBuiltModels(t *testing.T) {
	r := NewRegistry(map[string]Config{"openai": {APIKey: "k"}})
	builds := 0
	r.build = func(ctx context.Context, ref ModelRef, cfg Config) (model.BaseChatModel, error) {
		builds++
		assert.Equal(t, "k", cfg.APIKey)
		return &stubModel{name: ref.String()}, nil
	}

	m1, err := r.ChatModel(context.Background(), "openai/gpt-4o")
	require.NoError(t, err)
	m2, err := r.ChatModel(context.Background(), "openai/gpt-4o")
	require.NoError(t, err)

	assert.Same(t, m1, m2)
	assert.Equal(t, 1, builds)
	assert.Equal(t, []string{"openai/gpt-4o"}, r.Refs())
}

func TestRegistry_BuildError(t *testing.T) {
	r := NewRegistry(nil)
	r.build = func(ctx context.Context, ref ModelRef, cfg Config) (model.BaseChatModel, error) {
		return nil, errors.New("boom")
	}

	_, err := r.ChatModel(context.Background(), "openai/gpt-4o")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Empty(t, r.Refs())
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(nil)
	stub := &stubModel{name: "fake"}
	r.Register("fake/model", stub)

	m, err := r.ChatModel(context.Background(), "fake/model")
	require.NoError(t, err)
	assert.Same(t, stub, m)
}

func TestRegistry_RejectsBareModel(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.ChatModel(context.Background(), "gpt-4o")
	assert.Error(t, err)
}

func TestNewChatModel_UnknownProvider(t *testing.T) {
	_, err := newChatModel(context.Background(), ModelRef{ProviderID: "nope", ModelID: "x"}, Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider not supported")
}

func TestNewChatModel_MissingKeys(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ARK_API_KEY", "")

	_, err := NewAnthropicChatModel(context.Background(), &AnthropicConfig{})
	assert.ErrorContains(t, err, "ANTHROPIC_API_KEY")

	_, err = NewOpenAIChatModel(context.Background(), &OpenAIConfig{})
	assert.ErrorContains(t, err, "OPENAI_API_KEY")

	_, err = NewArkChatModel(context.Background(), &ArkConfig{})
	assert.ErrorContains(t, err, "ARK_API_KEY")
}

func TestNewArkChatModel_MissingModel(t *testing.T) {
	t.Setenv("ARK_MODEL_ID", "")
	_, err := NewArkChatModel(context.Background(), &ArkConfig{APIKey: "k"})
	assert.ErrorContains(t, err, "ARK_MODEL_ID")
}
