package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/config"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/logging"
	sandboxprov "github.com/devsapp/agentrun-sandbox-broker/internal/providers/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Logging.Development = true
	cfg.RateLimit.Enabled = false
	cfg.Server.ShutdownTimeout = config.Duration(time.Second)
	cfg.Cleanup.GracePeriod = config.Duration(time.Second)
	return cfg
}

func TestNewServerRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Provider.Kind = "docker"

	_, err := newServer(cfg, logging.NewNop(), nil)
	assert.ErrorContains(t, err, `unknown provider "docker"`)
}

func TestNewServerPicksAgentRun(t *testing.T) {
	cfg := testConfig()
	cfg.Provider.Kind = config.ProviderAgentRun
	cfg.Provider.Endpoint = "http://127.0.0.1:1"

	s, err := newServer(cfg, logging.NewNop(), nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "agentrun", s.provider.Name())
}

func TestServeLifecycle(t *testing.T) {
	local := sandboxprov.NewLocal("", nil)
	s, err := newServer(testConfig(), logging.NewNop(), local)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Post(base+"/api/sandboxes", "application/json",
		strings.NewReader(`{"user_id":"u1","session_id":"s1","thread_id":"t1"}`))
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	var created struct {
		SandboxID string `json:"sandbox_id"`
	}
	require.NoError(t, sonic.Unmarshal(raw, &created))
	assert.Equal(t, []string{created.SandboxID}, s.Coordinator().Tracked())

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	raw, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "go_goroutines")

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	// Shutdown releases what the broker still held.
	assert.Equal(t, int64(1), local.Destroys())
	assert.Zero(t, local.Live())
	assert.Empty(t, s.Coordinator().Tracked())
}

func TestCORSPreflight(t *testing.T) {
	s, err := newServer(testConfig(), logging.NewNop(), sandboxprov.NewLocal("", nil))
	require.NoError(t, err)
	defer s.Close()

	req, _ := http.NewRequest(http.MethodOptions, "/api/sandboxes", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestGlobalRateLimitAcrossClients(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.GlobalRequestsPerSecond = 1
	cfg.RateLimit.GlobalBurst = 1

	s, err := newServer(cfg, logging.NewNop(), sandboxprov.NewLocal("", nil))
	require.NoError(t, err)
	defer s.Close()

	get := func(path, remote string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, get("/api/sandboxes", "10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, get("/api/sandboxes", "10.0.0.2:1000"))
	assert.Equal(t, http.StatusOK, get("/health", "10.0.0.3:1000"))
}
