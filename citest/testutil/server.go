// Package testutil starts a conductor with the echo backend on a free port
// and provides HTTP and SSE clients for driving it.
package testutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/opencode-ai/conductor/internal/app"
	"github.com/opencode-ai/conductor/internal/backend"
	"github.com/opencode-ai/conductor/internal/config"
)

// DefaultScript is the echo script integration tests run against. Messages
// containing "slow" take long enough to queue behind, "ask" blocks on a
// question and everything else is echoed.
const DefaultScript = `
rules:
  - match: "slow"
    steps:
      - {type: sleep, delay: 400ms}
      - {type: chunk, text: "finally: {{message}}"}
      - {type: done}
  - match: "ask"
    steps:
      - {type: chunk, text: "One question first."}
      - {type: tool_use, id: q1, name: AskUserQuestion, input: {question: "Which file?"}}
      - {type: done}
  - match: "fail"
    steps:
      - {type: error, error: "model overloaded"}
  - steps:
      - {type: chunk, text: "You said: {{message}}"}
      - {type: done}
`

// TestServer wraps a running conductor for testing.
type TestServer struct {
	App     *app.App
	BaseURL string
	TempDir string
	port    int
}

// TestServerOption configures TestServer
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	script  string
	envFile string
	config  *config.Config
}

// WithScript replaces the echo script.
func WithScript(yaml string) TestServerOption {
	return func(c *testServerConfig) {
		c.script = yaml
	}
}

// WithConfig sets the configuration the conductor starts with.
func WithConfig(cfg *config.Config) TestServerOption {
	return func(c *testServerConfig) {
		c.config = cfg
	}
}

// WithEnvFile sets the .env file to load
func WithEnvFile(path string) TestServerOption {
	return func(c *testServerConfig) {
		c.envFile = path
	}
}

// StartTestServer creates and starts a test server
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	cfg := &testServerConfig{script: DefaultScript}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.envFile != "" {
		_ = godotenv.Load(cfg.envFile)
	} else {
		_ = godotenv.Load("../../.env")
		_ = godotenv.Load(".env")
	}

	tempDir, err := os.MkdirTemp("", "conductor-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	script, err := backend.ParseScript([]byte(cfg.script))
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, err
	}

	port, err := findAvailablePort()
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}

	appConfig := cfg.config
	if appConfig == nil {
		appConfig = &config.Config{}
	}
	appConfig.Server = &config.ServerConfig{Hostname: "127.0.0.1", Port: port}

	a, err := app.New(app.Options{
		Config:      appConfig,
		Directory:   tempDir,
		StoragePath: filepath.Join(tempDir, "storage"),
		Echo:        true,
		EchoScript:  script,
	})
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, err
	}
	if err := a.Start(context.Background()); err != nil {
		a.Close()
		os.RemoveAll(tempDir)
		return nil, err
	}

	go func() {
		_ = a.Server.Start()
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := waitForServer(baseURL, 10*time.Second); err != nil {
		a.Close()
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("server failed to start: %w", err)
	}

	return &TestServer{
		App:     a,
		BaseURL: baseURL,
		TempDir: tempDir,
		port:    port,
	}, nil
}

// Stop shuts down the test server and cleans up
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ts.App.Server.Shutdown(ctx); err != nil {
		return err
	}
	if err := ts.App.Close(); err != nil {
		return err
	}
	if ts.TempDir != "" {
		os.RemoveAll(ts.TempDir)
	}
	return nil
}

// Client returns a new test client for this server
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
		resp, err := client.Get(context.Background(), "/session")
		if err == nil && resp.StatusCode == http.StatusOK {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}
