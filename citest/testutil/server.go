package testutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opencode-ai/agentd/internal/agent"
	"github.com/opencode-ai/agentd/internal/event"
	"github.com/opencode-ai/agentd/internal/provider"
	"github.com/opencode-ai/agentd/internal/server"
	"github.com/opencode-ai/agentd/internal/session"
	"github.com/opencode-ai/agentd/internal/storage"
)

// TestServer wraps an in-process agentd instance talking to a MockLLMServer.
type TestServer struct {
	Server   *server.Server
	Manager  *session.Manager
	Store    *storage.SessionStore
	Registry *prometheus.Registry
	Bus      *event.Bus
	MockLLM  *MockLLMServer
	BaseURL  string
	TempDir  string
	port     int
	ownsMock bool
}

// TestServerOption configures TestServer
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	envFile       string
	mock          *MockLLMServer
	mockConfig    *MockLLMConfig
	maxSessions   *int
	ephemeral     bool
	persist       bool
	persistFolder string
	idleTimeout   time.Duration
}

// WithEnvFile sets the .env file to load
func WithEnvFile(path string) TestServerOption {
	return func(c *testServerConfig) {
		c.envFile = path
	}
}

// WithMockLLM serves models from an existing mock. The caller closes it.
// Sharing a mock lets a restarted server be checked against the same
// request log.
func WithMockLLM(mock *MockLLMServer) TestServerOption {
	return func(c *testServerConfig) {
		c.mock = mock
	}
}

// WithMockConfig starts the owned mock with config.
func WithMockConfig(config *MockLLMConfig) TestServerOption {
	return func(c *testServerConfig) {
		c.mockConfig = config
	}
}

// WithMaxSessions caps the number of live sessions.
func WithMaxSessions(n int) TestServerOption {
	return func(c *testServerConfig) {
		c.maxSessions = &n
	}
}

// WithEphemeral terminates each session's agent after its request.
func WithEphemeral() TestServerOption {
	return func(c *testServerConfig) {
		c.ephemeral = true
	}
}

// WithPersistence enables the session store in folder. An empty folder
// uses a directory inside the server's temp dir.
func WithPersistence(folder string) TestServerOption {
	return func(c *testServerConfig) {
		c.persist = true
		c.persistFolder = folder
	}
}

// WithIdleTimeout stops agents that receive no input for d.
func WithIdleTimeout(d time.Duration) TestServerOption {
	return func(c *testServerConfig) {
		c.idleTimeout = d
	}
}

// StartTestServer creates and starts a test server
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	cfg := &testServerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	// Load environment variables
	if cfg.envFile != "" {
		_ = godotenv.Load(cfg.envFile)
	}

	// Create temp directory for test data
	tempDir, err := os.MkdirTemp("", "agentd-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	mock, ownsMock := cfg.mock, false
	if mock == nil {
		mockConfig := cfg.mockConfig
		if mockConfig == nil {
			mockConfig = DefaultMockLLMConfig()
		}
		mock, ownsMock = NewMockLLMServerWithConfig(mockConfig), true
	}
	cleanup := func() {
		if ownsMock {
			mock.Close()
		}
		os.RemoveAll(tempDir)
	}

	// Find available port
	port, err := findAvailablePort()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}

	persistFolder := cfg.persistFolder
	if persistFolder == "" {
		persistFolder = filepath.Join(tempDir, "sessions")
	}
	store := storage.NewSessionStore(storage.Options{Enabled: cfg.persist, Folder: persistFolder})

	providers := provider.NewRegistry(map[string]provider.Config{
		provider.OpenAI: {APIKey: "test-key", BaseURL: mock.URL() + "/v1"},
	})
	runtime := agent.NewLLMRuntime(agent.NewRegistry(), providers, agent.Options{
		DefaultModel:         provider.OpenAI + "/" + mockModel,
		IdleTimeout:          cfg.idleTimeout,
		MaxRetries:           1,
		RetryInitialInterval: 10 * time.Millisecond,
	})

	reg := prometheus.NewRegistry()
	bus := event.NewMirroredBus()
	manager := session.NewManager(runtime, session.Config{
		MaxSessions: cfg.maxSessions,
		Ephemeral:   cfg.ephemeral,
	},
		session.WithStore(store),
		session.WithMetrics(session.NewMetrics(reg)),
		session.WithEventBus(bus),
	)

	// Configure server
	serverConfig := server.DefaultConfig()
	serverConfig.Port = port

	srv := server.New(serverConfig, manager,
		server.WithStore(store),
		server.WithGatherer(reg),
		server.WithEventBus(bus),
	)

	// Start server in background
	go func() {
		_ = srv.Start()
	}()

	// Wait for server to be ready
	baseURL := fmt.Sprintf("http://%s", serverConfig.Addr())
	if err := waitForServer(baseURL, 10*time.Second); err != nil {
		srv.Shutdown(context.Background())
		bus.Close()
		cleanup()
		return nil, fmt.Errorf("server failed to start: %w", err)
	}

	return &TestServer{
		Server:   srv,
		Manager:  manager,
		Store:    store,
		Registry: reg,
		Bus:      bus,
		MockLLM:  mock,
		BaseURL:  baseURL,
		TempDir:  tempDir,
		port:     port,
		ownsMock: ownsMock,
	}, nil
}

// Stop shuts down the server and its sessions, then cleans up. Persisted
// records outside the temp dir survive.
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts.Manager.SetAllowCreation(false)
	err := ts.Server.Shutdown(ctx)
	err = errors.Join(err, ts.Manager.Shutdown(ctx), ts.Bus.Close())

	if ts.ownsMock {
		ts.MockLLM.Close()
	}
	if ts.TempDir != "" {
		os.RemoveAll(ts.TempDir)
	}

	return err
}

// Client returns a new test client for this server
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.BaseURL)
}

// findAvailablePort finds an available TCP port
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// waitForServer waits for the server to be ready
func waitForServer(baseURL string, timeout time.Duration) error {
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}
