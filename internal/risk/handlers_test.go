package risk

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_List(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(DefaultRegistry()).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/risk-registry", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Entries []Entry `json:"entries"`
		Count   int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, len(DefaultEntries()), body.Count)
	assert.Equal(t, "Dating App", body.Entries[0].Category)
	assert.Equal(t, SeverityCritical, body.Entries[0].BaseSeverity)
}
