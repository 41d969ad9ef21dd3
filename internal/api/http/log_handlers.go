package http

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/devsapp/agentrun-sandbox-broker/internal/domain/telemetry"
	"github.com/devsapp/agentrun-sandbox-broker/internal/shared/utils"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = telemetry.DefaultBufferSize
)

// LogEntryResponse is one entry as served to clients. Timestamp is unix
// seconds.
type LogEntryResponse struct {
	Level     telemetry.Level `json:"level"`
	Message   string          `json:"message"`
	Timestamp float64         `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
	Extra     map[string]any  `json:"extra,omitempty"`
}

func entryView(e telemetry.Entry) LogEntryResponse {
	return LogEntryResponse{
		Level:     e.Level,
		Message:   e.Message,
		Timestamp: unixSeconds(e.Timestamp),
		Sequence:  e.Sequence,
		Extra:     e.Extra,
	}
}

func fromUnixSeconds(ts float64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// PublishLog appends one entry to a session stream
func (h *Handlers) PublishLog(c *gin.Context) {
	var req telemetry.LogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := utils.ValidateMessage(req.Message); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := utils.ValidateExtra(req.Extra); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	level, ok := telemetry.ParseLevel(req.Level)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown level " + strconv.Quote(req.Level)})
		return
	}

	sessionID := c.Param("session_id")
	e, err := h.hub.Append(sessionID, telemetry.Entry{
		Level:     level,
		Message:   req.Message,
		Extra:     req.Extra,
		Timestamp: fromUnixSeconds(req.Timestamp),
	})
	switch {
	case errors.Is(err, telemetry.ErrEmptySession):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, telemetry.ErrHubClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.log(c).Error("append log", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, telemetry.LogResponse{Status: "ok", Sequence: e.Sequence})
}

// GetLogs returns the buffered history of a session
func (h *Handlers) GetLogs(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultHistoryLimit)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit == 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}

	sessionID := c.Param("session_id")
	entries := h.hub.History(sessionID, limit, since)
	logs := make([]LogEntryResponse, 0, len(entries))
	for _, e := range entries {
		logs = append(logs, entryView(e))
	}

	h.writeJSON(c, http.StatusOK, gin.H{
		"session_id": sessionID,
		"state":      h.hub.State(sessionID),
		"count":      len(logs),
		"logs":       logs,
	})
}

// ListLogSessions lists sessions with a buffer
func (h *Handlers) ListLogSessions(c *gin.Context) {
	ids := h.hub.Sessions()
	sessions := make([]gin.H, 0, len(ids))
	for _, sid := range ids {
		sessions = append(sessions, gin.H{
			"session_id": sid,
			"log_count":  h.hub.Len(sid),
			"state":      h.hub.State(sid),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "stats": h.hub.Stats()})
}

// writeJSON encodes with sonic and gzips the body when the client accepts it.
// History responses reach a thousand entries, which is worth compressing.
func (h *Handlers) writeJSON(c *gin.Context, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") {
		c.Data(status, "application/json; charset=utf-8", body)
		return
	}

	c.Header("Content-Encoding", "gzip")
	c.Header("Vary", "Accept-Encoding")
	c.Status(status)
	c.Writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	gz := gzip.NewWriter(c.Writer)
	if _, err := gz.Write(body); err != nil {
		h.logger.Debug("write gzip body", zap.Error(err))
	}
	if err := gz.Close(); err != nil {
		h.logger.Debug("close gzip body", zap.Error(err))
	}
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
