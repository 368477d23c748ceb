package config

import (
	"fmt"
	"time"

	"github.com/opencode-ai/agentd/internal/agent"
	"github.com/opencode-ai/agentd/internal/provider"
	"github.com/opencode-ai/agentd/internal/storage"
)

// Defaults applied before any file or environment source.
const (
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 8080
	DefaultMaxSessions = 100
	DefaultLogLevel    = "info"
)

// Config is the resolved agentd configuration.
type Config struct {
	Schema   string                         `json:"$schema,omitempty"`
	Model    string                         `json:"model,omitempty"` // default provider/model
	Server   ServerConfig                   `json:"server"`
	Session  SessionConfig                  `json:"session"`
	Log      LogConfig                      `json:"log"`
	Provider map[string]provider.Config     `json:"provider,omitempty"`
	Agent    map[string]agent.ProfileConfig `json:"agent,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host        string   `json:"host,omitempty"`
	Port        int      `json:"port,omitempty"`
	CORSOrigins []string `json:"corsOrigins,omitempty"`
}

// SessionConfig is the session policy.
type SessionConfig struct {
	// MaxSessions caps live sessions; zero or negative means unlimited.
	MaxSessions *int          `json:"maxSessions,omitempty"`
	Ephemeral   bool          `json:"ephemeral,omitempty"`
	IdleTimeout string        `json:"idleTimeout,omitempty"` // e.g. "30m"
	Persist     PersistConfig `json:"persist"`
}

// PersistConfig controls the session store.
type PersistConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Folder  string `json:"folder,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `json:"level,omitempty"`
	File  bool   `json:"file,omitempty"`
	Dir   string `json:"dir,omitempty"`
}

// Defaults returns the built-in configuration every source is layered on.
func Defaults() *Config {
	limit := DefaultMaxSessions
	enabled := true
	return &Config{
		Server: ServerConfig{Host: DefaultHost, Port: DefaultPort},
		Session: SessionConfig{
			MaxSessions: &limit,
			Persist:     PersistConfig{Enabled: &enabled, Folder: storage.DefaultFolder},
		},
		Log:      LogConfig{Level: DefaultLogLevel},
		Provider: make(map[string]provider.Config),
		Agent:    make(map[string]agent.ProfileConfig),
	}
}

// SessionLimit returns the session cap, nil when unlimited.
func (c *Config) SessionLimit() *int {
	if c.Session.MaxSessions == nil || *c.Session.MaxSessions <= 0 {
		return nil
	}
	limit := *c.Session.MaxSessions
	return &limit
}

// IdleTimeout parses Session.IdleTimeout. Empty means no timeout.
func (c *Config) IdleTimeout() (time.Duration, error) {
	if c.Session.IdleTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Session.IdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid session.idleTimeout %q: %w", c.Session.IdleTimeout, err)
	}
	return d, nil
}

// StoreOptions returns the session store settings.
func (c *Config) StoreOptions() storage.Options {
	enabled := c.Session.Persist.Enabled == nil || *c.Session.Persist.Enabled
	folder := c.Session.Persist.Folder
	if folder == "" {
		folder = storage.DefaultFolder
	}
	return storage.Options{Enabled: enabled, Folder: folder}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
