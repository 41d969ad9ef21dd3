package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/devsapp/agentrun-sandbox-broker/internal/domain/telemetry"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/monitoring"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Viewers are served from other origins
	},
}

// Frame is one server to client message
type Frame struct {
	Type      string          `json:"type"`
	Level     telemetry.Level `json:"level,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp float64         `json:"timestamp"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Extra     map[string]any  `json:"extra,omitempty"`
}

// Handler streams session logs to viewers
type Handler struct {
	hub        *telemetry.Hub
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	pingPeriod time.Duration
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *telemetry.Hub, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:        hub,
		metrics:    metrics,
		logger:     logger,
		pingPeriod: pingPeriod,
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// HandleConnection upgrades the request and streams the session named in
// the path. The optional since query parameter skips entries the viewer
// already has.
func (h *Handler) HandleConnection(c *gin.Context) {
	sessionID := c.Param("session_id")
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}

	sub, err := h.hub.SubscribeSince(sessionID, since)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	log := h.logger.With(
		zap.String("session_id", sessionID),
		zap.String("subscriber_id", sub.ID.String()),
	)
	log.Debug("viewer connected", zap.Int("replay", sub.Replay()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	pings := make(chan struct{}, 1)
	go h.readPump(conn, cancel, pings)

	if err := h.send(conn, Frame{
		Type:      "connected",
		Message:   sessionID,
		Timestamp: unixSeconds(time.Now()),
	}); err != nil {
		return
	}

	entries := make(chan telemetry.Entry)
	go func() {
		defer close(entries)
		for {
			e, err := sub.Next(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug("stream ended", zap.Error(err))
				}
				return
			}
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				h.close(conn, websocket.CloseGoingAway, "session closed")
				return
			}
			if err := h.send(conn, Frame{
				Type:      "log",
				Level:     e.Level,
				Message:   e.Message,
				Timestamp: unixSeconds(e.Timestamp),
				Sequence:  e.Sequence,
				Extra:     e.Extra,
			}); err != nil {
				log.Debug("write failed", zap.Error(err))
				return
			}
		case <-pings:
			if err := h.send(conn, Frame{Type: "pong", Timestamp: unixSeconds(time.Now())}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			log.Debug("viewer disconnected", zap.Uint64("last_sequence", sub.LastDelivered()))
			return
		}
	}
}

// readPump drains client frames so control messages are processed, and
// cancels the stream once the client goes away. A {"type":"ping"} frame is
// answered with a pong by the writer; anything else is ignored.
func (h *Handler) readPump(conn *websocket.Conn, cancel context.CancelFunc, pings chan<- struct{}) {
	defer cancel()

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg struct {
			Type string `json:"type"`
		}
		if sonic.Unmarshal(raw, &msg) != nil || msg.Type != "ping" {
			h.metrics.RecordWSMessage("in", "ignored")
			continue
		}
		h.metrics.RecordWSMessage("in", "ping")
		select {
		case pings <- struct{}{}:
		default:
		}
	}
}

func (h *Handler) send(conn *websocket.Conn, f Frame) error {
	raw, err := sonic.Marshal(f)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	h.metrics.RecordWSMessage("out", f.Type)
	return nil
}

func (h *Handler) close(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
