package respond

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestError_AbortsWithEnvelope(t *testing.T) {
	router := gin.New()
	reached := false
	router.GET("/x", func(c *gin.Context) {
		Error(c, http.StatusForbidden, "API_INACTIVE", "endpoint is inactive", nil)
	}, func(c *gin.Context) { reached = true })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, reached)
	assert.JSONEq(t, `{"success":false,"error":{"code":"API_INACTIVE","message":"endpoint is inactive"}}`, w.Body.String())
}

func TestOK(t *testing.T) {
	router := gin.New()
	router.GET("/x", func(c *gin.Context) { OK(c, http.StatusCreated, gin.H{"id": "api_1"}) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, env.Success)
	assert.Nil(t, env.Error)
	assert.Equal(t, map[string]interface{}{"id": "api_1"}, env.Data)
}
