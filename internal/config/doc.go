// Package config provides configuration loading, merging, and path management for agentd.
//
// # Configuration Loading
//
// Load merges configuration from these sources, later ones winning:
//
//  1. Built-in defaults
//  2. Global config (agentd.json / agentd.jsonc in ~/.config/agentd, or AGENTD_CONFIG_DIR)
//  3. Project config (agentd.json / agentd.jsonc in the directory and its .agentd/)
//  4. AGENTD_CONFIG file
//  5. AGENTD_CONFIG_CONTENT inline JSON
//  6. Environment variables
//
// Files may be JSON or JSONC (comments are stripped with tidwall/jsonc). A
// missing file is skipped; a file that exists but does not parse is an error.
//
// # Variable Interpolation
//
// Configuration files support two placeholders:
//   - {env:VAR_NAME} - Expands to the environment variable's value
//   - {file:path} - Expands to file contents, escaped for a JSON string
//
// Relative {file:} paths resolve against the directory of the config file.
//
// Example:
//
//	{
//	  "model": "anthropic/claude-sonnet-4-20250514",
//	  "provider": {
//	    "anthropic": { "apiKey": "{env:ANTHROPIC_API_KEY}" }
//	  },
//	  "session": {
//	    "maxSessions": 50,
//	    "idleTimeout": "30m",
//	    "persist": { "folder": "/var/lib/agentd/sessions" }
//	  },
//	  "agent": {
//	    "review": { "prompt": "{file:prompts/review.txt}" }
//	  }
//	}
//
// # Environment Variable Overrides
//
//   - AGENTD_SESSION_PERSIST_ENABLE - "true" (any case) enables persistence, anything else disables it
//   - AGENTD_SESSION_PERSIST_FOLDER - Session record folder (default .agentd/sessions)
//   - AGENTD_MAX_SESSIONS - Session cap; zero or negative for unlimited
//   - AGENTD_EPHEMERAL - Tear down each session after its request
//   - AGENTD_IDLE_TIMEOUT - Stop agents idle for this long
//   - AGENTD_MODEL - Default provider/model
//   - AGENTD_LOG_LEVEL - Log level
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, ARK_API_KEY - Provider keys when the config has none
//
// # Path Management
//
// Paths follow the XDG Base Directory layout:
//   - Data: ~/.local/share/agentd (XDG_DATA_HOME)
//   - Config: ~/.config/agentd (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/agentd (XDG_CACHE_HOME)
//   - State: ~/.local/state/agentd (XDG_STATE_HOME)
//
// # Watching
//
// A [Watcher] watches the directories of the files listed by [Sources] and
// hands a freshly loaded Config to its callback after each burst of
// changes.
package config
