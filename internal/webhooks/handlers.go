package webhooks

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aurawatch/internal/idgen"
)

// maxPerParent bounds how many callbacks one parent can register.
const maxPerParent = 5

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{store: store, dispatcher: dispatcher}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/parents/:parentId/webhooks", h.CreateWebhook)
	r.GET("/parents/:parentId/webhooks", h.ListWebhooks)
	r.DELETE("/parents/:parentId/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string      `json:"url" binding:"required"`
	Events []EventType `json:"events"`
}

// CreateWebhook handles POST /parents/:parentId/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	parentID := c.Param("parentId")

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	events := req.Events
	if len(events) == 0 {
		events = KnownEvents
	}
	for _, e := range events {
		if !IsKnown(e) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "Unknown event type: " + string(e),
				"known":   KnownEvents,
			})
			return
		}
	}

	if err := h.dispatcher.ValidateURL(c.Request.Context(), req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	existing, err := h.store.ListByParent(c.Request.Context(), parentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}
	if len(existing) >= maxPerParent {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": "Too many webhooks for this parent",
		})
		return
	}

	secret := idgen.Secret()
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		ParentID:  parentID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: h.dispatcher.clock.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // only shown once
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(body, secret), hex encoded",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /parents/:parentId/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByParent(c.Request.Context(), c.Param("parentId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /parents/:parentId/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if errors.Is(err, ErrNotFound) || (err == nil && sub.ParentID != c.Param("parentId")) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err == nil {
		err = h.store.Delete(ctx, sub.ID)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}
