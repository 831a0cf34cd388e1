package detection

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BodyScope authorizes the child and parent named in a simulate body. It
// aborts the request itself and returns false when the caller is refused.
type BodyScope func(c *gin.Context, childID, parentID string) bool

// Handler exposes detection control over HTTP.
type Handler struct {
	manager *Manager
	scope   BodyScope
}

// NewHandler creates a detection handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// WithBodyScope sets the check applied to simulate requests.
func (h *Handler) WithBodyScope(fn BodyScope) *Handler {
	h.scope = fn
	return h
}

// RegisterRoutes sets up detection routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	child := r.Group("/children/:childId/detection")
	child.GET("", h.GetStatus)
	child.GET("/logs", h.GetLogs)
	child.POST("/start", h.Start)
	child.POST("/stop", h.Stop)
	child.POST("/reset-daily", h.ResetDaily)
	child.POST("/alert/dismiss", h.DismissAlert)

	r.POST("/detection/simulate", h.Simulate)
}

// GetStatus handles GET /children/:childId/detection
func (h *Handler) GetStatus(c *gin.Context) {
	snap, _ := h.manager.Snapshot(c.Param("childId"))
	c.JSON(http.StatusOK, gin.H{"detection": snap})
}

// GetLogs handles GET /children/:childId/detection/logs
func (h *Handler) GetLogs(c *gin.Context) {
	snap, _ := h.manager.Snapshot(c.Param("childId"))
	c.JSON(http.StatusOK, gin.H{"logs": snap.Logs, "count": len(snap.Logs)})
}

// Start handles POST /children/:childId/detection/start
func (h *Handler) Start(c *gin.Context) {
	childID := c.Param("childId")
	started, err := h.manager.Start(c.Request.Context(), childID)
	if err != nil {
		writeError(c, err)
		return
	}
	snap, _ := h.manager.Snapshot(childID)
	c.JSON(http.StatusOK, gin.H{"started": started, "detection": snap})
}

// Stop handles POST /children/:childId/detection/stop
func (h *Handler) Stop(c *gin.Context) {
	h.command(c, h.manager.Stop)
}

// ResetDaily handles POST /children/:childId/detection/reset-daily
func (h *Handler) ResetDaily(c *gin.Context) {
	h.command(c, h.manager.ResetChild)
}

// DismissAlert handles POST /children/:childId/detection/alert/dismiss
func (h *Handler) DismissAlert(c *gin.Context) {
	h.command(c, h.manager.DismissAlert)
}

func (h *Handler) command(c *gin.Context, fn func(ctx context.Context, childID string) error) {
	childID := c.Param("childId")
	if err := fn(c.Request.Context(), childID); err != nil {
		writeError(c, err)
		return
	}
	snap, _ := h.manager.Snapshot(childID)
	c.JSON(http.StatusOK, gin.H{"detection": snap})
}

// Simulate handles POST /detection/simulate
func (h *Handler) Simulate(c *gin.Context) {
	var req SimulateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.AppID = strings.TrimSpace(req.AppID)
	req.AppName = strings.TrimSpace(req.AppName)
	if req.AppID == "" && req.AppName == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "appId or appName is required",
		})
		return
	}
	if req.ChildAge < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "childAge must not be negative",
		})
		return
	}
	req.ChildID = strings.TrimSpace(req.ChildID)
	req.ParentID = strings.TrimSpace(req.ParentID)
	if h.scope != nil && !h.scope(c, req.ChildID, req.ParentID) {
		return
	}

	res, err := h.manager.Simulate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"simulation": res})
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, ErrUnknownChild) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_child",
			"message": "No child profile with that id",
		})
		return
	}
	if errors.Is(err, ErrClosed) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "detection_closed",
			"message": "Detection is shutting down",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "detection_failed",
		"message": err.Error(),
	})
}
