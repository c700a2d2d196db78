package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/homework-helper/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, FrontendURL: "/", TimeZone: "UTC", ShutdownTimeout: time.Second},
		Store:  config.StoreConfig{DBPath: filepath.Join(dir, "db", "test.db"), CascadeConcurrency: 2},
		Auth:   config.AuthConfig{TokenTTL: time.Hour, GitHubCallbackURL: "http://localhost/auth/github/callback"},
		Blob:   config.BlobConfig{Backend: config.BlobLocal, LocalDir: filepath.Join(dir, "uploads"), MaxUploadBytes: 1 << 20},
		Log:    config.LogConfig{Level: "info"},
		Tasks:  config.TaskConfig{Timeout: time.Second, Buffer: 4},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	require.NoError(t, cfg.Validate())
	s, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestServer_AnonymousReadOnly(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/classes", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/classes", strings.NewReader(`{"name":"Math"}`)))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/github/login", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code, "auth routes are off without credentials")
}

func TestServer_WithAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Auth.GitHubClientID = "id"
	cfg.Auth.GitHubClientSecret = "secret"
	s := newTestServer(t, cfg)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/github/login", nil))
	assert.Equal(t, http.StatusTemporaryRedirect, rr.Code)

	// a garbage token is treated as anonymous, not as an error
	req := httptest.NewRequest(http.MethodGet, "/api/me/moderator", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: "garbage"})
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]bool
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.False(t, body["moderator"])
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/leaderboard", nil))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `http_requests_total{method="GET",route="/api/leaderboard",status="200"}`)
}

func TestServer_CloseStopsFailureDrain(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	s.Close()

	select {
	case <-s.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("task failure drain still running after Close")
	}
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a logger.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServer_CloseEndsLiveConnectionsBeforeStore(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.Validate())
	var logs syncBuffer
	s, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(&logs, nil)))
	require.NoError(t, err)

	httpSrv := httptest.NewServer(s.Handler())
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/live/leaderboard"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err, "initial snapshot")
	require.Equal(t, 1, s.store.OpenSubscriptions())

	s.Close()

	assert.Equal(t, 0, s.live.OpenConnections())
	assert.NotContains(t, logs.String(), "dangling subscription")

	// the client is told the server is going away
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	// new live connections are refused once shutdown has begun
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/live/leaderboard", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
