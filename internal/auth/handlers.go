package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aurawatch/internal/logging"
	"github.com/mbd888/aurawatch/internal/validation"
)

const maxKeyName = 80

// Handler serves key management endpoints. Ownership is enforced by Guard.
type Handler struct {
	manager *Manager
}

// NewHandler creates a key handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts the key routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/parents/:parentId/keys", h.CreateKey)
	r.GET("/parents/:parentId/keys", h.ListKeys)
	r.DELETE("/parents/:parentId/keys/:keyId", h.RevokeKey)
}

// CreateKeyRequest is the body of POST /parents/:parentId/keys.
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey issues a new key. The raw key is returned only here.
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}
	req.Name = validation.SanitizeString(req.Name, maxKeyName)
	if req.Name == "" {
		req.Name = "default"
	}

	parentID := c.Param("parentId")
	raw, key, err := h.manager.GenerateKey(c.Request.Context(), parentID, req.Name)
	if err != nil {
		logging.L(c.Request.Context()).Error("api key create failed", "parent_id", parentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create API key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  raw,
		"key":     key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns the parent's keys without hashes.
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), c.Param("parentId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey revokes one key. The key making the request cannot revoke itself.
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")
	if p, ok := GetPrincipal(c); ok && p.KeyID == keyID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you are using",
		})
		return
	}

	err := h.manager.RevokeKey(c.Request.Context(), keyID, c.Param("parentId"))
	if errors.Is(err, ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Key not found or already revoked"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to revoke key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true, "keyId": keyID})
}
