package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/trestle/engine/internal/store"
)

// ListDeadLetters handles GET /deadletters?status=, the read side of the
// dead-letter lifecycle: it lets an operator discover AwaitingIntervention
// rows.
func (h *Handler) ListDeadLetters(c *gin.Context) {
	var status *store.DeadLetterStatus
	if s := c.Query("status"); s != "" {
		v := store.DeadLetterStatus(s)
		status = &v
	}
	dls, err := h.deadLetters.List(c.Request.Context(), status)
	if err != nil {
		h.internalError(c, "list dead letters failed", err)
		return
	}
	c.JSON(http.StatusOK, dls)
}

// AcknowledgeDeadLetter handles POST /deadletters/:id/ack.
func (h *Handler) AcknowledgeDeadLetter(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.badRequest(c, err)
		return
	}
	var body struct {
		Note string `json:"note"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := h.deadLetters.Acknowledge(c.Request.Context(), id, body.Note); err != nil {
		h.internalError(c, "acknowledge dead letter failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

// RetryDeadLetter handles POST /deadletters/:id/retry.
func (h *Handler) RetryDeadLetter(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.badRequest(c, err)
		return
	}
	var body struct {
		Input json.RawMessage `json:"input"`
	}
	_ = c.ShouldBindJSON(&body)

	wq, err := h.deadLetters.Retry(c.Request.Context(), id, body.Input)
	if err != nil {
		h.internalError(c, "retry dead letter failed", err)
		return
	}
	c.JSON(http.StatusOK, wq)
}
