package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
)

// Registry manages profile configurations.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry creates a new profile registry.
func NewRegistry() *Registry {
	r := &Registry{
		profiles: make(map[string]*Profile),
	}

	// Register built-in profiles
	for name, p := range BuiltInProfiles() {
		r.profiles[name] = p
	}

	return r
}

// Get retrieves a profile by name. The empty name resolves to the default profile.
func (r *Registry) Get(name string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[NormalizeProfile(name)]
	if !ok {
		if hint := r.closest(name); hint != "" {
			return nil, fmt.Errorf("profile not found: %s (did you mean %q?)", name, hint)
		}
		return nil, fmt.Errorf("profile not found: %s", name)
	}

	return p, nil
}

// maxSuggestDistance bounds the edit distance of a "did you mean" hint.
const maxSuggestDistance = 2

// closest returns the registered name nearest to name, or "" when none is
// close. Caller holds r.mu.
func (r *Registry) closest(name string) string {
	best, bestDist := "", maxSuggestDistance+1
	for candidate := range r.profiles {
		d := levenshtein.ComputeDistance(strings.ToLower(name), candidate)
		if d < bestDist || (d == bestDist && candidate < best) {
			best, bestDist = candidate, d
		}
	}
	return best
}

// Register adds or updates a profile.
func (r *Registry) Register(p *Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Name] = p
}

// Unregister removes a profile by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.profiles, name)
}

// List returns all registered profiles ordered by name.
func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profiles := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles
}

// Exists checks if a profile exists.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.profiles[NormalizeProfile(name)]
	return ok
}

// Count returns the number of registered profiles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}

// LoadFromConfig loads custom profiles from configuration.
func (r *Registry) LoadFromConfig(config map[string]ProfileConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, cfg := range config {
		// Start with existing or create new
		p, exists := r.profiles[name]
		if !exists {
			p = &Profile{Name: name}
		} else {
			// Clone existing to avoid modifying built-in directly
			p = p.Clone()
			p.BuiltIn = false
		}

		if cfg.Description != "" {
			p.Description = cfg.Description
		}
		if cfg.Model != "" {
			p.Model = cfg.Model
		}
		if cfg.Prompt != "" {
			p.Prompt = cfg.Prompt
		}
		if cfg.Temperature > 0 {
			p.Temperature = cfg.Temperature
		}
		if cfg.TopP > 0 {
			p.TopP = cfg.TopP
		}
		if cfg.Options != nil {
			if p.Options == nil {
				p.Options = make(map[string]any)
			}
			for k, v := range cfg.Options {
				p.Options[k] = v
			}
		}

		r.profiles[name] = p
	}
}

// ProfileConfig represents user configuration for a profile.
type ProfileConfig struct {
	Description string         `json:"description,omitempty"`
	Model       string         `json:"model,omitempty"`
	Prompt      string         `json:"prompt,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	TopP        float64        `json:"topP,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}
