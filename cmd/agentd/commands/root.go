// Package commands provides the CLI commands for agentd.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/agentd/internal/config"
	"github.com/opencode-ai/agentd/internal/logging"
	"github.com/opencode-ai/agentd/internal/storage"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "agentd - session-aware agent server",
	Long: `agentd serves LLM agents over HTTP. Each session keeps one agent
alive across requests, one request at a time, and persists its
conversation between requests.

Run 'agentd serve' to start the server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print human-readable logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Project directory (defaults to the current directory)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("agentd %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// loadConfig resolves the configuration for the project directory.
func loadConfig() (*config.Config, string, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, "", err
	}
	return cfg, dir, nil
}

// initLogging configures the global logger. The --log-level flag wins
// over the configured level.
func initLogging(cfg *config.Config) {
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(level)
	logCfg.Pretty = printLogs
	logCfg.LogToFile = cfg.Log.File
	if cfg.Log.Dir != "" {
		logCfg.LogDir = cfg.Log.Dir
	} else {
		logCfg.LogDir = config.GetPaths().LogPath()
	}
	logging.Init(logCfg)
}

// storeOptions resolves a relative persistence folder against the project
// directory.
func storeOptions(cfg *config.Config, dir string) storage.Options {
	opts := cfg.StoreOptions()
	if !filepath.IsAbs(opts.Folder) {
		opts.Folder = filepath.Join(dir, opts.Folder)
	}
	return opts
}
