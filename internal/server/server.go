package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opencode-ai/agentd/internal/event"
	"github.com/opencode-ai/agentd/internal/session"
	"github.com/opencode-ai/agentd/internal/storage"
)

// Config holds server configuration.
type Config struct {
	Host         string
	Port         int
	EnableCORS   bool
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         8080,
		EnableCORS:   true,
		CORSOrigins:  []string{"*"},
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for SSE
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Option configures a Server.
type Option func(*Server)

// WithStore exposes persisted session records.
func WithStore(store *storage.SessionStore) Option {
	return func(s *Server) { s.store = store }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithEventBus streams /v1/events from bus instead of the global bus.
func WithEventBus(bus *event.Bus) Option {
	return func(s *Server) { s.feed = bus.Feed }
}

// Server is the HTTP server.
type Server struct {
	config   *Config
	router   *chi.Mux
	httpSrv  *http.Server
	manager  *session.Manager
	store    *storage.SessionStore
	gatherer prometheus.Gatherer
	feed     func(context.Context) (<-chan event.FeedEvent, error)

	// baseCtx parents every request context. Shutdown cancels it so
	// streaming handlers return instead of holding the server open.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New creates a server routing requests through manager.
func New(cfg *Config, manager *session.Manager, opts ...Option) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		manager:  manager,
		gatherer: prometheus.DefaultGatherer,
		feed:     event.Feed,
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return s.baseCtx },
	}

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		origins := s.config.CORSOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", HeaderSessionID},
			ExposedHeaders:   []string{"X-Request-ID", HeaderSessionID},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown ends open streams and gracefully shuts down the server.
// Streams cut short this way cancel their agents' turns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
