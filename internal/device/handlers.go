package device

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aurawatch/internal/metrics"
)

// Handler receives device reports and toggles.
type Handler struct {
	bridge           *Bridge
	reportMiddleware []gin.HandlerFunc
}

// NewHandler creates a device handler. Middleware is applied to the
// foreground report route only (per-child rate limiting).
func NewHandler(bridge *Bridge, reportMiddleware ...gin.HandlerFunc) *Handler {
	return &Handler{bridge: bridge, reportMiddleware: reportMiddleware}
}

// RegisterRoutes sets up device routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/children/:childId/device", h.SetDevice)
	r.PUT("/children/:childId/detection/settings", h.SetDetection)
	r.POST("/children/:childId/foreground", append(h.reportMiddleware, h.ReportForeground)...)
}

// SetDeviceRequest updates device capabilities.
type SetDeviceRequest struct {
	UsageAccess *bool `json:"usageAccess" binding:"required"`
}

// SetDevice handles PUT /children/:childId/device
func (h *Handler) SetDevice(c *gin.Context) {
	var req SetDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "usageAccess is required",
		})
		return
	}
	s, err := h.bridge.SetUsageAccess(c.Request.Context(), c.Param("childId"), *req.UsageAccess)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "update_failed",
			"message": "Failed to update device settings",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s})
}

// SetDetectionRequest flips the parent's toggle.
type SetDetectionRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetDetection handles PUT /children/:childId/detection/settings
func (h *Handler) SetDetection(c *gin.Context) {
	var req SetDetectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "enabled is required",
		})
		return
	}
	s, err := h.bridge.SetDetectionEnabled(c.Request.Context(), c.Param("childId"), *req.Enabled)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "update_failed",
			"message": "Failed to update detection settings",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s})
}

// ReportForeground handles POST /children/:childId/foreground
func (h *Handler) ReportForeground(c *gin.Context) {
	var app App
	if err := c.ShouldBindJSON(&app); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := h.bridge.Report(c.Request.Context(), c.Param("childId"), app); err != nil {
		if errors.Is(err, ErrInvalidApp) {
			metrics.ForegroundReportsTotal.WithLabelValues("invalid").Inc()
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_app",
				"message": err.Error(),
			})
			return
		}
		metrics.ForegroundReportsTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "report_failed",
			"message": "Failed to record report",
		})
		return
	}
	metrics.ForegroundReportsTotal.WithLabelValues("accepted").Inc()
	c.Status(http.StatusAccepted)
}
