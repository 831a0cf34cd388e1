package accounts

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aurawatch/internal/auth"
	"github.com/mbd888/aurawatch/internal/validation"
)

const maxDisplayName = 80

// Handler manages profiles over HTTP.
type Handler struct {
	dir *Directory
}

// NewHandler creates a profile handler.
func NewHandler(dir *Directory) *Handler {
	return &Handler{dir: dir}
}

// RegisterRoutes sets up profile routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/profiles/:id", h.UpsertProfile)
	r.GET("/profiles/:id", h.GetProfile)
}

// UpsertProfileRequest creates or replaces a profile.
type UpsertProfileRequest struct {
	Role        Role   `json:"role" binding:"required"`
	DisplayName string `json:"displayName"`
	Age         int    `json:"age"`
	ParentID    string `json:"parentId"`
	Phone       string `json:"phone"`
}

// UpsertProfile handles PUT /profiles/:id
func (h *Handler) UpsertProfile(c *gin.Context) {
	var req UpsertProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("parentId", req.ParentID),
		validation.MaxLength("phone", req.Phone, 32),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	if caller, ok := auth.GetPrincipal(c); ok && !caller.Admin {
		owned := (req.Role == RoleChild && req.ParentID == caller.ParentID) ||
			(req.Role == RoleParent && c.Param("id") == caller.ParentID)
		if !owned {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Profiles can only be linked to the calling parent",
			})
			return
		}
	}

	p := &Profile{
		ID:          c.Param("id"),
		Role:        req.Role,
		DisplayName: validation.SanitizeString(req.DisplayName, maxDisplayName),
		Age:         req.Age,
		ParentID:    req.ParentID,
		Phone:       req.Phone,
	}
	if err := h.dir.Upsert(c.Request.Context(), p); err != nil {
		if errors.Is(err, ErrInvalidProfile) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_profile",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "upsert_failed",
			"message": "Failed to save profile",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// GetProfile handles GET /profiles/:id
func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.dir.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Profile not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to load profile",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}
