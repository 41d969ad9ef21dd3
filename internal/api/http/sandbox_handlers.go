package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/devsapp/agentrun-sandbox-broker/internal/domain/sandbox"
	"github.com/devsapp/agentrun-sandbox-broker/internal/shared/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CreateSandboxRequest is the body of POST /api/sandboxes
type CreateSandboxRequest struct {
	UserID             string `json:"user_id"`
	SessionID          string `json:"session_id"`
	ThreadID           string `json:"thread_id"`
	Template           string `json:"template"`
	IdleTimeoutSeconds int    `json:"idle_timeout_seconds" binding:"gte=0"`
	ForceRecreate      bool   `json:"force_recreate"`
}

// SandboxResponse is the public view of a handle
type SandboxResponse struct {
	SandboxID    string  `json:"sandbox_id"`
	UserID       string  `json:"user_id"`
	SessionID    string  `json:"session_id"`
	ThreadID     string  `json:"thread_id"`
	CDPURL       string  `json:"cdp_url"`
	VNCURL       string  `json:"vnc_url"`
	BaseURL      string  `json:"base_url,omitempty"`
	Template     string  `json:"template"`
	State        string  `json:"state"`
	CreatedAt    float64 `json:"created_at"`
	LastAccessAt float64 `json:"last_access_at"`
	IdleTimeout  int     `json:"idle_timeout_seconds"`
	LogCount     int     `json:"log_count"`
	IsNew        *bool   `json:"is_new,omitempty"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func (h *Handlers) view(hd sandbox.Handle) SandboxResponse {
	return SandboxResponse{
		SandboxID:    hd.ID,
		UserID:       hd.Key.UserID,
		SessionID:    hd.Key.SessionID,
		ThreadID:     hd.Key.ThreadID,
		CDPURL:       hd.CDPURL,
		VNCURL:       hd.VNCURL,
		BaseURL:      hd.BaseURL,
		Template:     hd.Template,
		State:        hd.State.String(),
		CreatedAt:    unixSeconds(hd.CreatedAt),
		LastAccessAt: unixSeconds(hd.LastAccessAt),
		IdleTimeout:  int(hd.IdleTimeout / time.Second),
		LogCount:     h.hub.Len(hd.ID),
	}
}

// CreateSandbox returns the session's sandbox, provisioning one if needed
func (h *Handlers) CreateSandbox(c *gin.Context) {
	var req CreateSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := utils.ValidateTemplate(req.Template); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := sandbox.SessionKey{UserID: req.UserID, SessionID: req.SessionID, ThreadID: req.ThreadID}
	hd, isNew, err := h.pool.GetOrCreate(c.Request.Context(), key, sandbox.Config{
		Template:      req.Template,
		IdleTimeout:   time.Duration(req.IdleTimeoutSeconds) * time.Second,
		ForceRecreate: req.ForceRecreate,
	})
	switch {
	case errors.Is(err, sandbox.ErrInvalidKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, sandbox.ErrProvisioningFailed):
		h.log(c).Warn("provisioning failed", zap.String("session", key.String()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.log(c).Error("get or create sandbox", zap.String("session", key.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := h.view(hd)
	resp.IsNew = &isNew

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	c.JSON(status, resp)
}

// ListSandboxes lists every live sandbox
func (h *Handlers) ListSandboxes(c *gin.Context) {
	handles := h.pool.List()
	out := make([]SandboxResponse, 0, len(handles))
	for _, hd := range handles {
		out = append(out, h.view(hd))
	}

	c.JSON(http.StatusOK, gin.H{
		"sandboxes": out,
		"stats":     h.pool.Stats(),
	})
}

// GetSandbox returns one sandbox by id
func (h *Handlers) GetSandbox(c *gin.Context) {
	hd, ok := h.pool.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"found": false, "sandbox_id": c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, h.view(hd))
}

// GetSessionSandbox returns the sandbox cached for a session key. While the
// first create for the key is still running it answers 202.
func (h *Handlers) GetSessionSandbox(c *gin.Context) {
	key := sandbox.SessionKey{
		UserID:    c.Param("user_id"),
		SessionID: c.Param("session_id"),
		ThreadID:  c.Param("thread_id"),
	}
	hd, ok := h.pool.Lookup(key)
	if !ok {
		if state, ok := h.pool.KeyState(key); ok && state == sandbox.StateProvisioning {
			c.JSON(http.StatusAccepted, gin.H{"found": false, "state": state.String()})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"found": false})
		return
	}
	c.JSON(http.StatusOK, h.view(hd))
}

// DestroySandbox tears a sandbox down. It always answers 200; a failed
// remote call is reported as a warning since the handle is gone either way.
func (h *Handlers) DestroySandbox(c *gin.Context) {
	id := c.Param("id")
	_, existed := h.pool.Get(id)

	resp := gin.H{"sandbox_id": id, "destroyed": existed}
	if err := h.pool.Destroy(c.Request.Context(), id); err != nil {
		h.log(c).Warn("destroy sandbox", zap.String("sandbox_id", id), zap.Error(err))
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// GetCDPURL returns the automation endpoint of a sandbox
func (h *Handlers) GetCDPURL(c *gin.Context) {
	hd, ok := h.pool.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"found": false, "cdp_url": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cdp_url": hd.CDPURL})
}

// GetVNCURL returns the live view endpoint of a sandbox
func (h *Handlers) GetVNCURL(c *gin.Context) {
	hd, ok := h.pool.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"found": false, "vnc_url": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vnc_url": hd.VNCURL})
}
