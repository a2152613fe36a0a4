package httpapi

import (
	"encoding/json"
	"net/http"
	"reflect"

	"github.com/gin-gonic/gin"
)

// RunWorkflow handles POST /workflows/:name/run, the HTTP companion to the
// Bus.RunAsync Go API: the request body is unmarshaled into
// the workflow's registered input type and run to completion synchronously.
func (h *Handler) RunWorkflow(c *gin.Context) {
	name := c.Param("name")
	handler, err := h.registry.LookupByName(name)
	if err != nil {
		h.notFound(c, err)
		return
	}

	inputPtr := reflect.New(handler.InputType())
	if c.Request.ContentLength != 0 {
		if err := json.NewDecoder(c.Request.Body).Decode(inputPtr.Interface()); err != nil {
			h.badRequest(c, err)
			return
		}
	}
	input := inputPtr.Elem().Interface()

	out, err := h.bus.RunByName(c.Request.Context(), name, input, nil)
	if err != nil {
		h.internalError(c, "run workflow failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": out})
}
