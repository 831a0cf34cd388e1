package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeOwners map[string]string

func (f fakeOwners) LinkedParent(_ context.Context, childID string) (string, bool, error) {
	if childID == "broken" {
		return "", false, errors.New("db down")
	}
	p, ok := f[childID]
	return p, ok, nil
}

func newRouter(t *testing.T) (*gin.Engine, *Manager, string) {
	t.Helper()
	m, _ := newManager(t)
	raw, _, err := m.GenerateKey(context.Background(), "parent-1", "phone")
	require.NoError(t, err)

	r := gin.New()
	v1 := r.Group("/v1", Middleware(m), Guard(fakeOwners{"kid-1": "parent-1", "kid-2": "parent-2"}))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	v1.GET("/parents/:parentId/alerts", ok)
	v1.GET("/children/:childId/alerts", ok)
	v1.GET("/profiles/:id", ok)
	v1.GET("/risk-registry", ok)
	v1.GET("/admin-only", RequireAdmin(), ok)
	scope := BodyScope(fakeOwners{"kid-1": "parent-1", "kid-2": "parent-2"})
	v1.POST("/scoped/:child/:parent", func(c *gin.Context) {
		id := func(name string) string { return strings.TrimPrefix(c.Param(name), "-") }
		if scope(c, id("child"), id("parent")) {
			c.Status(http.StatusOK)
		}
	})
	NewHandler(m).RegisterRoutes(v1)
	return r, m, raw
}

func call(r *gin.Engine, method, path, key string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestGuard(t *testing.T) {
	r, _, raw := newRouter(t)

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{"no key", "/v1/parents/parent-1/alerts", "", http.StatusUnauthorized},
		{"bad key", "/v1/parents/parent-1/alerts", "sk_nope", http.StatusUnauthorized},
		{"own parent", "/v1/parents/parent-1/alerts", raw, http.StatusOK},
		{"other parent", "/v1/parents/parent-2/alerts", raw, http.StatusForbidden},
		{"linked child", "/v1/children/kid-1/alerts", raw, http.StatusOK},
		{"other child", "/v1/children/kid-2/alerts", raw, http.StatusForbidden},
		{"unlinked child", "/v1/children/kid-9/alerts", raw, http.StatusForbidden},
		{"owner lookup fails", "/v1/children/broken/alerts", raw, http.StatusInternalServerError},
		{"own profile", "/v1/profiles/parent-1", raw, http.StatusOK},
		{"child profile", "/v1/profiles/kid-1", raw, http.StatusOK},
		{"foreign profile", "/v1/profiles/kid-2", raw, http.StatusForbidden},
		{"unscoped route", "/v1/risk-registry", raw, http.StatusOK},
		{"admin anywhere", "/v1/children/kid-2/alerts", testAdminKey, http.StatusOK},
		{"admin only as parent", "/v1/admin-only", raw, http.StatusForbidden},
		{"admin only as admin", "/v1/admin-only", testAdminKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, call(r, http.MethodGet, tt.path, tt.key).Code)
		})
	}
}

func TestMiddleware_XAPIKeyHeader(t *testing.T) {
	r, _, raw := newRouter(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/parents/parent-1/alerts", nil)
	req.Header.Set("X-API-Key", raw)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_KeyLifecycle(t *testing.T) {
	r, _, raw := newRouter(t)

	w := call(r, http.MethodPost, "/v1/parents/parent-1/keys", raw)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		APIKey string  `json:"apiKey"`
		Key    *APIKey `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.APIKey)
	assert.Equal(t, "default", created.Key.Name)
	assert.NotContains(t, w.Body.String(), `"hash"`)

	w = call(r, http.MethodGet, "/v1/parents/parent-1/keys", created.APIKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	assert.Equal(t, http.StatusBadRequest,
		call(r, http.MethodDelete, "/v1/parents/parent-1/keys/"+created.Key.ID, created.APIKey).Code)
	assert.Equal(t, http.StatusOK,
		call(r, http.MethodDelete, "/v1/parents/parent-1/keys/"+created.Key.ID, raw).Code)
	assert.Equal(t, http.StatusNotFound,
		call(r, http.MethodDelete, "/v1/parents/parent-1/keys/"+created.Key.ID, raw).Code)
	assert.Equal(t, http.StatusUnauthorized,
		call(r, http.MethodGet, "/v1/parents/parent-1/keys", created.APIKey).Code)
}

func TestHandler_FirstKeyNeedsAdmin(t *testing.T) {
	r, _, raw := newRouter(t)
	assert.Equal(t, http.StatusForbidden, call(r, http.MethodPost, "/v1/parents/parent-3/keys", raw).Code)
	assert.Equal(t, http.StatusCreated, call(r, http.MethodPost, "/v1/parents/parent-3/keys", testAdminKey).Code)
}

func TestBodyScope(t *testing.T) {
	r, _, raw := newRouter(t)

	// "-" stands in for an empty ID
	tests := []struct {
		name   string
		child  string
		parent string
		key    string
		want   int
	}{
		{"own child", "kid-1", "-", raw, http.StatusOK},
		{"own child and parent", "kid-1", "parent-1", raw, http.StatusOK},
		{"other parent's child", "kid-2", "-", raw, http.StatusForbidden},
		{"unlinked child", "kid-9", "-", raw, http.StatusForbidden},
		{"spoofed parent", "-", "parent-2", raw, http.StatusForbidden},
		{"own child, spoofed parent", "kid-1", "parent-2", raw, http.StatusForbidden},
		{"neither", "-", "-", raw, http.StatusOK},
		{"owner lookup fails", "broken", "-", raw, http.StatusInternalServerError},
		{"admin", "kid-2", "parent-2", testAdminKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, call(r, http.MethodPost, "/v1/scoped/"+tt.child+"/"+tt.parent, tt.key).Code)
		})
	}
}

func TestBodyScope_NoPrincipalPasses(t *testing.T) {
	scope := BodyScope(fakeOwners{})
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
	assert.True(t, scope(c, "kid-2", "parent-2"))
	assert.False(t, c.IsAborted())
}
