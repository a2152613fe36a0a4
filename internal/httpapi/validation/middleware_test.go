package validation_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle/engine/internal/httpapi/validation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	spec, err := validation.Spec()
	require.NoError(t, err)
	mw, err := validation.New(spec)
	require.NoError(t, err)

	r := gin.New()
	r.Use(mw)
	r.NoRoute(func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/manifests", func(c *gin.Context) { c.Status(http.StatusCreated) })
	r.POST("/manifest-groups", func(c *gin.Context) { c.Status(http.StatusCreated) })
	r.POST("/deadletters/:id/ack", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/manifests", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateManifest_MissingRequiredFields_Returns400(t *testing.T) {
	r := newRouter(t)
	w := do(r, http.MethodPost, "/manifests", `{"fullName":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestCreateManifest_ValidPayload_Passes(t *testing.T) {
	r := newRouter(t)
	w := do(r, http.MethodPost, "/manifests",
		`{"workflowName":"Greet","propertyType":"greetInput","input":{"name":"ada"}}`)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateManifestGroup_MissingName_Returns400(t *testing.T) {
	r := newRouter(t)
	w := do(r, http.MethodPost, "/manifest-groups", `{"priority":5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAcknowledgeDeadLetter_EmptyBody_Passes(t *testing.T) {
	r := newRouter(t)
	w := do(r, http.MethodPost, "/deadletters/1/ack", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnvalidatedRoute_PassesThrough(t *testing.T) {
	r := newRouter(t)
	w := do(r, http.MethodGet, "/manifests", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
