// Package validation is request-validation middleware for the admin HTTP
// API: an embedded OpenAPI document, compiled once at startup into a
// gorillamux router, validating every inbound request whose route appears
// in the document and passing through anything that doesn't.
package validation

import (
	"embed"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"
)

//go:embed openapi.yaml
var embedded embed.FS

// Spec returns the embedded OpenAPI document backing New's default.
func Spec() ([]byte, error) {
	return embedded.ReadFile("openapi.yaml")
}

// New builds a Gin middleware that validates inbound requests against the
// provided OpenAPI spec bytes. Routes not present in the spec are passed
// through silently, so the engine's non-validated read endpoints (GET
// /manifests, /metadata, /metrics, ...) are unaffected.
func New(spec []byte) (gin.HandlerFunc, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(spec)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, err
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, err
	}

	return func(c *gin.Context) {
		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			c.Next()
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}, nil
}
