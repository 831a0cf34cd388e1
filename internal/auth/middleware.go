package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aurawatch/internal/logging"
	"github.com/mbd888/aurawatch/internal/metrics"
)

// ContextKeyPrincipal holds the authenticated Principal in the gin context.
const ContextKeyPrincipal = "authPrincipal"

// Owners resolves the parent a child is linked to.
type Owners interface {
	LinkedParent(ctx context.Context, childID string) (string, bool, error)
}

// Middleware attaches the caller's Principal when a valid key is presented.
// It never rejects; use Guard for that.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			header = c.GetHeader("X-API-Key")
		}
		if header != "" {
			p, err := m.Authenticate(c.Request.Context(), header)
			if err == nil {
				c.Set(ContextKeyPrincipal, p)
			} else if !errors.Is(err, ErrInvalidAPIKey) {
				logging.L(c.Request.Context()).Warn("api key lookup failed", "error", err)
			}
		}
		c.Next()
	}
}

// Guard rejects unauthenticated requests and requests for another parent's
// resources. The resource owner comes from the :parentId param or, for child
// routes, the parent linked to :childId. Routes with neither only need a
// valid key. Profile routes (:id) are restricted to the admin or the profile
// owner.
func Guard(owners Owners) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			metrics.AuthRejectionsTotal.WithLabelValues("unauthenticated").Inc()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		if p.Admin {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		switch {
		case c.Param("parentId") != "":
			if !p.CanActFor(c.Param("parentId")) {
				forbid(c)
				return
			}
		case c.Param("childId") != "":
			if !canActForChild(c, owners, p, c.Param("childId")) {
				return
			}
		case c.Param("id") != "":
			id := c.Param("id")
			if id == p.ParentID {
				break
			}
			parentID, linked, err := owners.LinkedParent(ctx, id)
			if err != nil {
				ownerLookupFailed(c, err)
				return
			}
			if !linked || !p.CanActFor(parentID) {
				forbid(c)
				return
			}
		}
		c.Next()
	}
}

// RequireAdmin allows only the admin key.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok || !p.Admin {
			forbid(c)
			return
		}
		c.Next()
	}
}

// BodyScope checks a child and parent named in a request body, where Guard
// cannot see them. Callers without a principal pass; Guard has already
// rejected them when auth is required. Either ID may be empty. A false
// return means the request was aborted.
func BodyScope(owners Owners) func(c *gin.Context, childID, parentID string) bool {
	return func(c *gin.Context, childID, parentID string) bool {
		p, ok := GetPrincipal(c)
		if !ok || p.Admin {
			return true
		}
		if parentID != "" && !p.CanActFor(parentID) {
			forbid(c)
			return false
		}
		if childID != "" {
			return canActForChild(c, owners, p, childID)
		}
		return true
	}
}

func canActForChild(c *gin.Context, owners Owners, p Principal, childID string) bool {
	parentID, linked, err := owners.LinkedParent(c.Request.Context(), childID)
	if err != nil {
		ownerLookupFailed(c, err)
		return false
	}
	if !linked || !p.CanActFor(parentID) {
		forbid(c)
		return false
	}
	return true
}

func forbid(c *gin.Context) {
	metrics.AuthRejectionsTotal.WithLabelValues("forbidden").Inc()
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"error":   "forbidden",
		"message": "This key cannot access that resource",
	})
}

func ownerLookupFailed(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("owner lookup failed", "error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to authorize request",
	})
}

// GetPrincipal returns the caller, if authenticated.
func GetPrincipal(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(ContextKeyPrincipal)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
