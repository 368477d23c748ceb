package testutil

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MockLLMConfig defines the YAML configuration schema for MockLLM scenarios.
type MockLLMConfig struct {
	Settings  MockSettings   `yaml:"settings"`
	Defaults  MockDefaults   `yaml:"defaults"`
	Responses []ResponseRule `yaml:"responses"`
}

// MockSettings configures MockLLM server behavior.
type MockSettings struct {
	LagMS        int    `yaml:"lag_ms"`         // Delay before the first byte
	ChunkDelayMS int    `yaml:"chunk_delay_ms"` // Delay between streamed chunks
	ChunkMode    string `yaml:"chunk_mode"`     // word (default), char or fixed
	ChunkSize    int    `yaml:"chunk_size"`     // Runes per chunk in char mode
	MaxChunks    int    `yaml:"max_chunks"`     // Chunk cap; the last chunk takes the rest
}

// MockDefaults defines fallback behavior.
type MockDefaults struct {
	Fallback string `yaml:"fallback"` // Response when no rules match
}

// ResponseRule defines a prompt-to-response mapping.
type ResponseRule struct {
	Name     string      `yaml:"name"`     // Optional rule name for debugging
	Match    MatchConfig `yaml:"match"`    // Matched against the last user message
	History  MatchConfig `yaml:"history"`  // Matched against earlier user messages
	Response string      `yaml:"response"` // The response to return
	Priority int         `yaml:"priority"` // Higher priority rules are checked first

	// ChunkDelayMS overrides the streaming delay for this rule. Slow rules
	// keep a turn open long enough to interrupt it.
	ChunkDelayMS int `yaml:"chunk_delay_ms"`
}

// MatchConfig defines how to match a prompt. An empty config matches anything.
type MatchConfig struct {
	// Simple string matching (case-insensitive contains)
	Contains string `yaml:"contains"`

	// All strings must be present (case-insensitive)
	ContainsAll []string `yaml:"contains_all"`

	// Any string must be present (case-insensitive)
	ContainsAny []string `yaml:"contains_any"`

	// Exact match (case-insensitive)
	Exact string `yaml:"exact"`

	// Regex pattern
	Regex string `yaml:"regex"`
}

// DefaultMockLLMConfig returns the default configuration with common scenarios.
func DefaultMockLLMConfig() *MockLLMConfig {
	return &MockLLMConfig{
		Settings: MockSettings{
			ChunkDelayMS: 5,
		},
		Defaults: MockDefaults{
			Fallback: "I understand your request. Let me help you with that.",
		},
		Responses: []ResponseRule{
			{
				Name:     "hello-world",
				Match:    MatchConfig{Contains: "hello, world"},
				Response: "Hello, World!",
				Priority: 10,
			},
			{
				Name:     "math-2plus2",
				Match:    MatchConfig{ContainsAny: []string{"2+2", "2 + 2"}},
				Response: "4",
				Priority: 10,
			},
			{
				Name:     "remember-42",
				Match:    MatchConfig{ContainsAll: []string{"remember", "42"}},
				Response: "OK",
				Priority: 10,
			},
			{
				Name:     "recall-number",
				Match:    MatchConfig{ContainsAll: []string{"what number", "remember"}},
				History:  MatchConfig{ContainsAll: []string{"remember", "42"}},
				Response: "42",
				Priority: 10,
			},
			{
				Name:     "recall-forgotten",
				Match:    MatchConfig{ContainsAll: []string{"what number", "remember"}},
				Response: "I don't know",
				Priority: 5,
			},
			{
				Name:     "slow-story",
				Match:    MatchConfig{Contains: "long story"},
				Response: strings.Repeat("once upon a time ", 200),
				Priority: 10,

				ChunkDelayMS: 20,
			},
			{
				Name:     "simple-hello",
				Match:    MatchConfig{Contains: "hello"},
				Response: "Hello! How can I help you today?",
				Priority: 1,
			},
		},
	}
}

// LoadMockLLMConfig loads configuration from a YAML file.
func LoadMockLLMConfig(path string) (*MockLLMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config MockLLMConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadMockLLMConfigFromDir looks for mockllm.yaml in the given directory.
func LoadMockLLMConfigFromDir(dir string) (*MockLLMConfig, error) {
	path := filepath.Join(dir, "mockllm.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Try mockllm.yml as alternative
		path = filepath.Join(dir, "mockllm.yml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, err
		}
	}
	return LoadMockLLMConfig(path)
}

// SaveMockLLMConfig saves configuration to a YAML file.
func SaveMockLLMConfig(config *MockLLMConfig, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// IsEmpty reports whether the config has no criteria.
func (m *MatchConfig) IsEmpty() bool {
	return m.Exact == "" && m.Contains == "" && len(m.ContainsAll) == 0 &&
		len(m.ContainsAny) == 0 && m.Regex == ""
}

// Matches checks if the prompt matches this rule.
func (m *MatchConfig) Matches(prompt string) bool {
	if m.IsEmpty() {
		return true
	}

	promptLower := strings.ToLower(prompt)

	// Exact match
	if m.Exact != "" {
		return strings.EqualFold(prompt, m.Exact)
	}

	// Contains single string
	if m.Contains != "" {
		return strings.Contains(promptLower, strings.ToLower(m.Contains))
	}

	// Contains all strings
	if len(m.ContainsAll) > 0 {
		for _, s := range m.ContainsAll {
			if !strings.Contains(promptLower, strings.ToLower(s)) {
				return false
			}
		}
		return true
	}

	// Contains any string
	if len(m.ContainsAny) > 0 {
		for _, s := range m.ContainsAny {
			if strings.Contains(promptLower, strings.ToLower(s)) {
				return true
			}
		}
		return false
	}

	re, err := regexp.Compile("(?i)" + m.Regex)
	if err != nil {
		return false
	}
	return re.MatchString(prompt)
}

// FindMatchingRule finds the highest-priority rule matching the last user
// message and the user messages before it.
func (c *MockLLMConfig) FindMatchingRule(prompt string, history []string) *ResponseRule {
	joined := strings.Join(history, "\n")

	var bestMatch *ResponseRule
	bestPriority := -1

	for i := range c.Responses {
		rule := &c.Responses[i]
		if !rule.Match.Matches(prompt) {
			continue
		}
		if !rule.History.IsEmpty() && !rule.History.Matches(joined) {
			continue
		}
		if rule.Priority > bestPriority {
			bestMatch = rule
			bestPriority = rule.Priority
		}
	}

	return bestMatch
}

// FindMatchingResponse returns the response for a prompt without history.
func (c *MockLLMConfig) FindMatchingResponse(prompt string) (string, bool) {
	if rule := c.FindMatchingRule(prompt, nil); rule != nil {
		return rule.Response, true
	}
	return c.Defaults.Fallback, false
}

// chunkDelay returns the streaming delay for rule, which may be nil.
func (c *MockLLMConfig) chunkDelay(rule *ResponseRule) time.Duration {
	if rule != nil && rule.ChunkDelayMS > 0 {
		return time.Duration(rule.ChunkDelayMS) * time.Millisecond
	}
	return time.Duration(c.Settings.ChunkDelayMS) * time.Millisecond
}
