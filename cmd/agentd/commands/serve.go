package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-ai/agentd/internal/agent"
	"github.com/opencode-ai/agentd/internal/config"
	"github.com/opencode-ai/agentd/internal/logging"
	"github.com/opencode-ai/agentd/internal/provider"
	"github.com/opencode-ai/agentd/internal/server"
	"github.com/opencode-ai/agentd/internal/session"
	"github.com/opencode-ai/agentd/internal/storage"
)

// shutdownTimeout bounds the graceful shutdown of server and sessions.
const shutdownTimeout = 30 * time.Second

var (
	servePort        int
	serveHostname    string
	serveMaxSessions int
	serveEphemeral   bool
	serveModel       string
	serveWatch       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentd HTTP server",
	Long: `Start agentd as an HTTP server.

Configuration is read from agentd.json(c) in the global config directory,
.agentd/agentd.jsonc in the project directory, AGENTD_CONFIG and AGENTD_*
environment variables, in that order. A .env file in the project directory
is loaded first. Flags override everything.

With --watch the config files are watched and changes to the log level and
the session limit take effect without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", config.DefaultPort, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", config.DefaultHost, "Hostname to listen on")
	serveCmd.Flags().IntVar(&serveMaxSessions, "max-sessions", config.DefaultMaxSessions, "Maximum live sessions (0 for unlimited)")
	serveCmd.Flags().BoolVar(&serveEphemeral, "ephemeral", false, "Terminate each session's agent after its request")
	serveCmd.Flags().StringVarP(&serveModel, "model", "m", "", "Default model (provider/model)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Reload the log level and session limit when config files change")
}

// loadDotEnv loads .env from dir when present. Variables already set win.
func loadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// applyServeFlags overrides cfg with the flags set on the command line.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = servePort
	}
	if flags.Changed("hostname") {
		cfg.Server.Host = serveHostname
	}
	if flags.Changed("max-sessions") {
		limit := serveMaxSessions
		cfg.Session.MaxSessions = &limit
	}
	if flags.Changed("ephemeral") {
		cfg.Session.Ephemeral = serveEphemeral
	}
	if flags.Changed("model") {
		cfg.Model = serveModel
	}
}

// applyReload applies the settings of a reloaded configuration that can
// change without a restart. Flags still win over files.
func applyReload(cmd *cobra.Command, manager *session.Manager, next *config.Config) {
	applyServeFlags(cmd, next)

	level := next.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logging.SetLevel(logging.ParseLevel(level))
	manager.SetMaxSessions(next.SessionLimit())

	ev := logging.Info().Str("level", logging.GetLevel().String())
	if limit := next.SessionLimit(); limit != nil {
		ev = ev.Int("maxSessions", *limit)
	}
	ev.Msg("applied reloaded configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return err
	}
	if err := loadDotEnv(dir); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)

	initLogging(cfg)
	defer logging.Close()

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	idle, err := cfg.IdleTimeout()
	if err != nil {
		return err
	}

	profiles := agent.NewRegistry()
	profiles.LoadFromConfig(cfg.Agent)
	runtime := agent.NewLLMRuntime(profiles, provider.NewRegistry(cfg.Provider), agent.Options{
		DefaultModel: cfg.Model,
		IdleTimeout:  idle,
	})

	store := storage.NewSessionStore(storeOptions(cfg, dir))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager := session.NewManager(runtime, session.Config{
		MaxSessions: cfg.SessionLimit(),
		Ephemeral:   cfg.Session.Ephemeral,
	},
		session.WithStore(store),
		session.WithMetrics(session.NewMetrics(reg)),
	)

	srvCfg := server.DefaultConfig()
	srvCfg.Host = cfg.Server.Host
	srvCfg.Port = cfg.Server.Port
	if len(cfg.Server.CORSOrigins) > 0 {
		srvCfg.CORSOrigins = cfg.Server.CORSOrigins
	}
	srv := server.New(srvCfg, manager, server.WithStore(store), server.WithGatherer(reg))

	logging.Info().
		Str("version", Version).
		Str("directory", dir).
		Str("model", cfg.Model).
		Bool("ephemeral", cfg.Session.Ephemeral).
		Bool("persist", store.Enabled()).
		Str("persistFolder", store.Folder()).
		Msg("starting agentd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if serveWatch {
		watcher, err := config.NewWatcher(dir, func(next *config.Config) {
			applyReload(cmd, manager, next)
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		logging.Info().Str("addr", srvCfg.Addr()).Msg("server listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		manager.SetAllowCreation(false)
		err := srv.Shutdown(shutdownCtx)
		if serr := manager.Shutdown(shutdownCtx); serr != nil {
			err = errors.Join(err, serr)
		}
		logging.Info().Msg("server stopped")
		return err
	})
	return g.Wait()
}
