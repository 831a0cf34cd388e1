package risk

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the registry read-only.
type Handler struct {
	registry *Registry
}

// NewHandler creates a registry handler.
func NewHandler(r *Registry) *Handler {
	return &Handler{registry: r}
}

// RegisterRoutes sets up registry routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/risk-registry", h.List)
}

// List handles GET /risk-registry
func (h *Handler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"entries": h.registry.Entries(),
		"count":   h.registry.Len(),
	})
}
