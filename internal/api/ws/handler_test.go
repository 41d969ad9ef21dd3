package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/devsapp/agentrun-sandbox-broker/internal/domain/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupServer(t *testing.T) (*telemetry.Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := telemetry.NewHub(0, 0)
	h := NewHandler(hub, nil, nil)
	router := gin.New()
	router.GET("/ws/log/:session_id", h.HandleConnection)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, sonic.Unmarshal(raw, &f))
	return f
}

func TestReplayThenLive(t *testing.T) {
	hub, srv := setupServer(t)
	ctx := context.Background()

	for _, msg := range []string{"one", "two", "three"} {
		hub.Publish(ctx, "s1", telemetry.Entry{Level: telemetry.LevelStep, Message: msg})
	}

	conn := dial(t, srv, "/ws/log/s1")
	assert.Equal(t, "connected", readFrame(t, conn).Type)

	for i, want := range []string{"one", "two", "three"} {
		f := readFrame(t, conn)
		assert.Equal(t, "log", f.Type)
		assert.Equal(t, want, f.Message)
		assert.Equal(t, uint64(i+1), f.Sequence)
		assert.Equal(t, telemetry.LevelStep, f.Level)
	}

	hub.Publish(ctx, "s1", telemetry.Entry{Message: "four", Extra: map[string]any{"url": "https://example.com"}})
	f := readFrame(t, conn)
	assert.Equal(t, "four", f.Message)
	assert.Equal(t, uint64(4), f.Sequence)
	assert.Equal(t, telemetry.LevelInfo, f.Level)
	assert.Equal(t, "https://example.com", f.Extra["url"])
	assert.Greater(t, f.Timestamp, float64(0))
}

func TestSinceSkipsSeenEntries(t *testing.T) {
	hub, srv := setupServer(t)
	for i := 0; i < 5; i++ {
		hub.Publish(context.Background(), "s1", telemetry.Entry{Message: "m"})
	}

	conn := dial(t, srv, "/ws/log/s1?since=3")
	readFrame(t, conn)
	assert.Equal(t, uint64(4), readFrame(t, conn).Sequence)
	assert.Equal(t, uint64(5), readFrame(t, conn).Sequence)
}

func TestPingPong(t *testing.T) {
	_, srv := setupServer(t)
	conn := dial(t, srv, "/ws/log/s1")
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readFrame(t, conn).Type)
}

func TestDisconnectUnsubscribes(t *testing.T) {
	hub, srv := setupServer(t)
	conn := dial(t, srv, "/ws/log/s1")
	readFrame(t, conn)

	assert.Equal(t, telemetry.StateStreaming, hub.State("s1"))
	conn.Close()

	assert.Eventually(t, func() bool {
		return hub.State("s1") == telemetry.StateNoSubscribers
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDropClosesStream(t *testing.T) {
	hub, srv := setupServer(t)
	conn := dial(t, srv, "/ws/log/s1")
	readFrame(t, conn)

	hub.Drop("s1")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestRejectsBadSince(t *testing.T) {
	_, srv := setupServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/log/s1?since=x"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}
