package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/opencode-ai/agentd/internal/provider"
)

// Environment variables read by Load.
const (
	EnvConfig        = "AGENTD_CONFIG"
	EnvConfigContent = "AGENTD_CONFIG_CONTENT"
	EnvConfigDir     = "AGENTD_CONFIG_DIR"
	EnvPersistEnable = "AGENTD_SESSION_PERSIST_ENABLE"
	EnvPersistFolder = "AGENTD_SESSION_PERSIST_FOLDER"
	EnvMaxSessions   = "AGENTD_MAX_SESSIONS"
	EnvEphemeral     = "AGENTD_EPHEMERAL"
	EnvModel         = "AGENTD_MODEL"
	EnvLogLevel      = "AGENTD_LOG_LEVEL"
	EnvIdleTimeout   = "AGENTD_IDLE_TIMEOUT"
)

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Load loads configuration from multiple sources (priority order):
// 1. Defaults
// 2. Global config (~/.config/agentd/)
// 3. Project config (agentd.json and .agentd/ in directory)
// 4. AGENTD_CONFIG file
// 5. AGENTD_CONFIG_CONTENT inline JSON
// 6. Environment variables
func Load(directory string) (*Config, error) {
	config := Defaults()

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	var loadErr error
	loadOnce := func(path string, baseDir string, required bool) {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return
		}
		err = loadConfigFile(path, config, baseDir)
		switch {
		case err == nil:
			loaded[absPath] = true
		case required || !os.IsNotExist(err):
			if loadErr == nil {
				loadErr = &FileError{Path: path, Err: err}
			}
		}
	}

	for _, src := range sources(directory) {
		loadOnce(src.path, src.baseDir, src.required)
	}
	if loadErr != nil {
		return nil, loadErr
	}

	// AGENTD_CONFIG_CONTENT inline JSON
	if configContent := os.Getenv(EnvConfigContent); configContent != "" {
		var inlineConfig Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(configContent)), &inlineConfig); err != nil {
			return nil, &FileError{Path: EnvConfigContent, Err: err}
		}
		mergeConfig(config, &inlineConfig)
	}

	// Environment variables (highest priority)
	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	return config, nil
}

type source struct {
	path     string
	baseDir  string
	required bool
}

// sources lists the configuration files Load reads for directory, lowest
// priority first.
func sources(directory string) []source {
	globalPath := GetConfigDir()
	out := []source{
		{path: filepath.Join(globalPath, "agentd.json"), baseDir: globalPath},
		{path: filepath.Join(globalPath, "agentd.jsonc"), baseDir: globalPath},
	}
	if directory != "" {
		projectConfigDir := filepath.Join(directory, ".agentd")
		out = append(out,
			source{path: filepath.Join(directory, "agentd.json"), baseDir: directory},
			source{path: filepath.Join(directory, "agentd.jsonc"), baseDir: directory},
			source{path: filepath.Join(projectConfigDir, "agentd.json"), baseDir: projectConfigDir},
			source{path: filepath.Join(projectConfigDir, "agentd.jsonc"), baseDir: projectConfigDir},
		)
	}
	if configPath := os.Getenv(EnvConfig); configPath != "" {
		out = append(out, source{path: configPath, baseDir: filepath.Dir(configPath), required: true})
	}
	return out
}

// Sources returns the paths of the configuration files Load reads for
// directory, whether or not they exist.
func Sources(directory string) []string {
	srcs := sources(directory)
	paths := make([]string, len(srcs))
	for i, src := range srcs {
		paths[i] = src.path
	}
	return paths
}

// FileError reports a configuration source that could not be read or parsed.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return "config " + e.Path + ": " + e.Err.Error()
}

func (e *FileError) Unwrap() error { return e.Err }

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)

	// Apply interpolation
	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		// Escape for a JSON string body
		quoted, _ := json.Marshal(strings.TrimRight(string(content), "\n"))
		return string(quoted[1 : len(quoted)-1])
	})

	return []byte(str)
}

// mergeConfig merges source config into target. Zero values in source leave
// target unchanged.
func mergeConfig(target, source *Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Model != "" {
		target.Model = source.Model
	}

	if source.Server.Host != "" {
		target.Server.Host = source.Server.Host
	}
	if source.Server.Port != 0 {
		target.Server.Port = source.Server.Port
	}
	if len(source.Server.CORSOrigins) > 0 {
		target.Server.CORSOrigins = source.Server.CORSOrigins
	}

	if source.Session.MaxSessions != nil {
		target.Session.MaxSessions = source.Session.MaxSessions
	}
	if source.Session.Ephemeral {
		target.Session.Ephemeral = true
	}
	if source.Session.IdleTimeout != "" {
		target.Session.IdleTimeout = source.Session.IdleTimeout
	}
	if source.Session.Persist.Enabled != nil {
		target.Session.Persist.Enabled = source.Session.Persist.Enabled
	}
	if source.Session.Persist.Folder != "" {
		target.Session.Persist.Folder = source.Session.Persist.Folder
	}

	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.File {
		target.Log.File = true
	}
	if source.Log.Dir != "" {
		target.Log.Dir = source.Log.Dir
	}

	for k, v := range source.Provider {
		target.Provider[k] = v
	}
	for k, v := range source.Agent {
		target.Agent[k] = v
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *Config) error {
	// Provider API keys
	providerEnvMap := map[string]string{
		provider.Anthropic: "ANTHROPIC_API_KEY",
		provider.OpenAI:    "OPENAI_API_KEY",
		provider.Ark:       "ARK_API_KEY",
	}
	for name, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			p := config.Provider[name]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[name] = p
			}
		}
	}

	if model := os.Getenv(EnvModel); model != "" {
		config.Model = model
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		config.Log.Level = level
	}
	if timeout := os.Getenv(EnvIdleTimeout); timeout != "" {
		config.Session.IdleTimeout = timeout
	}

	// Only the literal "true" enables persistence once the variable is set.
	if v, ok := os.LookupEnv(EnvPersistEnable); ok {
		enabled := strings.EqualFold(strings.TrimSpace(v), "true")
		config.Session.Persist.Enabled = &enabled
	}
	if folder := os.Getenv(EnvPersistFolder); folder != "" {
		config.Session.Persist.Folder = folder
	}

	if v := os.Getenv(EnvMaxSessions); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return &FileError{Path: EnvMaxSessions, Err: err}
		}
		config.Session.MaxSessions = &n
	}
	if v := os.Getenv(EnvEphemeral); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return &FileError{Path: EnvEphemeral, Err: err}
		}
		config.Session.Ephemeral = b
	}

	return nil
}

// GetConfigDir returns the config directory to use.
// Prefers AGENTD_CONFIG_DIR, then the XDG location.
func GetConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	return GetPaths().Config
}
