package alerts

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aurawatch/internal/pagination"
)

// Handler serves alert history.
type Handler struct {
	store Store
}

// NewHandler creates an alert handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up alert routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/children/:childId/alerts", h.ListForChild)
	r.GET("/parents/:parentId/alerts", h.ListForParent)
}

// ListForChild handles GET /children/:childId/alerts
func (h *Handler) ListForChild(c *gin.Context) {
	h.list(c, c.Param("childId"), h.store.ListByChild)
}

// ListForParent handles GET /parents/:parentId/alerts
func (h *Handler) ListForParent(c *gin.Context) {
	h.list(c, c.Param("parentId"), h.store.ListByParent)
}

type listFunc func(ctx context.Context, id string, q Query) (Page, error)

func (h *Handler) list(c *gin.Context, id string, fn listFunc) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not valid",
		})
		return
	}

	page, err := fn(c.Request.Context(), id, Query{Limit: limitParam(c), After: after})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list alerts",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts":     nonNil(page.Items),
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

func limitParam(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		return 0
	}
	return n
}

func nonNil(list []*Alert) []*Alert {
	if list == nil {
		return []*Alert{}
	}
	return list
}
