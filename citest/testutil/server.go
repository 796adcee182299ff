package testutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/rmcp-dev/rmcp/internal/app"
	"github.com/rmcp-dev/rmcp/internal/config"
	"github.com/rmcp-dev/rmcp/internal/runtime"
	"github.com/rmcp-dev/rmcp/internal/server"
	"github.com/rmcp-dev/rmcp/pkg/types"
)

// TestServer wraps a running HTTP server instance for testing
type TestServer struct {
	App     *app.App
	Server  *server.Server
	BaseURL string
	Config  *types.Config
	TempDir string
	port    int
}

// TestServerOption configures TestServer
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	envFile  string
	executor runtime.Executor
	strict   bool
}

// WithEnvFile sets the .env file to load
func WithEnvFile(path string) TestServerOption {
	return func(c *testServerConfig) {
		c.envFile = path
	}
}

// WithExecutor replaces the R runtime. Without it the server runs Rscript.
func WithExecutor(e runtime.Executor) TestServerOption {
	return func(c *testServerConfig) {
		c.executor = e
	}
}

// WithStrictSessions makes the server reject unknown session ids.
func WithStrictSessions() TestServerOption {
	return func(c *testServerConfig) {
		c.strict = true
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
	} else {
		_ = godotenv.Load("../../.env")
		_ = godotenv.Load("../.env")
		_ = godotenv.Load(".env")
	}

	// Sandbox root for the session
	tempDir, err := os.MkdirTemp("", "rmcp-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	port, err := findAvailablePort()
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}

	appConfig := &types.Config{
		Transport: "http",
		HTTP: &types.HTTPConfig{
			Host:           "127.0.0.1",
			Port:           port,
			StrictSessions: cfg.strict,
		},
	}
	config.Normalize(appConfig, tempDir)

	var appOpts []app.Option
	if cfg.executor != nil {
		appOpts = append(appOpts, app.WithExecutor(cfg.executor))
	}
	a, err := app.New(appConfig, "test", appOpts...)
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to build app: %w", err)
	}

	srv := a.HTTPServer()
	go func() {
		_ = srv.Start()
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := waitForServer(baseURL, 10*time.Second); err != nil {
		_ = srv.Shutdown(context.Background())
		_ = a.Close()
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("server failed to start: %w", err)
	}

	return &TestServer{
		App:     a,
		Server:  srv,
		BaseURL: baseURL,
		Config:  appConfig,
		TempDir: tempDir,
		port:    port,
	}, nil
}

// Stop shuts down the test server and cleans up
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if ts.Server != nil {
		if err := ts.Server.Shutdown(ctx); err != nil {
			return err
		}
	}
	if ts.App != nil {
		_ = ts.App.Close()
	}
	if ts.TempDir != "" {
		os.RemoveAll(ts.TempDir)
	}
	return nil
}

// Client returns a new MCP client for this server
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.BaseURL)
}

// SSEClient returns a new SSE client for this server
func (ts *TestServer) SSEClient() *SSEClient {
	return NewSSEClient(ts.BaseURL)
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
	client := NewTestClient(baseURL)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(context.Background(), "/health")
		if err == nil && resp.IsSuccess() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}

// SkipIfMissingEnv reports whether any of the variables is unset.
func SkipIfMissingEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) == "" {
			return true
		}
	}
	return false
}
