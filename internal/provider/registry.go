package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudwego/eino/components/model"
)

// Registry builds chat models on first use and shares them across agent
// instances. Eino chat models are safe for concurrent Stream calls.
type Registry struct {
	mu      sync.Mutex
	configs map[string]Config
	models  map[string]model.BaseChatModel
	build   func(ctx context.Context, ref ModelRef, cfg Config) (model.BaseChatModel, error)
}

// NewRegistry creates a registry over per-provider settings keyed by provider id.
func NewRegistry(configs map[string]Config) *Registry {
	if configs == nil {
		configs = make(map[string]Config)
	}
	return &Registry{
		configs: configs,
		models:  make(map[string]model.BaseChatModel),
		build:   newChatModel,
	}
}

// Register installs a prebuilt chat model under a "provider/model" reference.
func (r *Registry) Register(ref string, m model.BaseChatModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[ref] = m
}

// ChatModel returns the chat model for a "provider/model" reference.
func (r *Registry) ChatModel(ctx context.Context, ref string) (model.BaseChatModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.models[ref]; ok {
		return m, nil
	}

	parsed, err := ParseModelRef(ref)
	if err != nil {
		return nil, err
	}

	m, err := r.build(ctx, parsed, r.configs[parsed.ProviderID])
	if err != nil {
		return nil, fmt.Errorf("failed to create model %s: %w", ref, err)
	}
	r.models[ref] = m
	return m, nil
}

// Refs returns the references of all models built or registered so far.
func (r *Registry) Refs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	refs := make([]string, 0, len(r.models))
	for ref := range r.models {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
