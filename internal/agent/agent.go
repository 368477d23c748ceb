// Package agent runs the agent instances that sessions drive.
package agent

// DefaultProfile is the profile used when a request names none.
const DefaultProfile = "default"

// Profile is the configuration an agent instance is started with.
type Profile struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	BuiltIn     bool           `json:"builtIn"`
	Model       string         `json:"model,omitempty"` // provider/model, empty uses the runtime default
	Prompt      string         `json:"prompt,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	TopP        float64        `json:"topP,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

// Clone creates a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	clone := &Profile{
		Name:        p.Name,
		Description: p.Description,
		BuiltIn:     p.BuiltIn,
		Model:       p.Model,
		Prompt:      p.Prompt,
		Temperature: p.Temperature,
		TopP:        p.TopP,
	}

	if p.Options != nil {
		clone.Options = make(map[string]any, len(p.Options))
		for k, v := range p.Options {
			clone.Options[k] = v
		}
	}

	return clone
}

// NormalizeProfile maps the empty name to DefaultProfile.
func NormalizeProfile(name string) string {
	if name == "" {
		return DefaultProfile
	}
	return name
}

// DefaultPrompt is the system prompt of the default profile.
const DefaultPrompt = `You are an autonomous assistant serving requests over an API.

Guidelines:
- Answer the latest user message using the whole conversation as context
- Be direct and complete; the client may be a program rather than a person
- When a task needs several steps, state the plan briefly and then carry it out
- Do not invent facts; say when you are unsure`

// PlanPrompt is the system prompt of the plan profile.
const PlanPrompt = `You are a planning assistant. You analyse requests and produce plans without carrying them out.

Guidelines:
- Break the request into concrete, ordered steps
- Call out open questions and risks
- Do not claim to have executed anything`

// BuiltInProfiles returns the default profile configurations.
func BuiltInProfiles() map[string]*Profile {
	return map[string]*Profile{
		DefaultProfile: {
			Name:        DefaultProfile,
			Description: "General-purpose agent for conversational and multi-step requests",
			BuiltIn:     true,
			Prompt:      DefaultPrompt,
		},
		"plan": {
			Name:        "plan",
			Description: "Planning agent for analysis without making changes",
			BuiltIn:     true,
			Prompt:      PlanPrompt,
			Temperature: 0.2,
		},
	}
}
