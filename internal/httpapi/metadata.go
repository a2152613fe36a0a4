package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/itchyny/gojq"

	"github.com/trestle/engine/internal/store"
)

// ListMetadata handles GET /metadata?workflow=&state=&since=&q=, the
// workflow run history query API: the companion read API to metadata
// cleanup, letting operators see what cleanup is about to delete and what
// is still retained. The optional
// ?q= parameter is a gojq filter evaluated against each row's decoded
// Input/Output JSON, letting operators filter on arbitrary fields inside
// those columns without a bespoke query language.
func (h *Handler) ListMetadata(c *gin.Context) {
	filter := store.MetadataFilter{
		WorkflowName: c.Query("workflow"),
		State:        store.WorkflowState(c.Query("state")),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.badRequest(c, err)
			return
		}
		filter.Since = &t
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			h.badRequest(c, err)
			return
		}
		filter.Limit = n
	}

	dc, err := h.factory.New(c.Request.Context())
	if err != nil {
		h.internalError(c, "acquire data context failed", err)
		return
	}
	defer dc.Close(c.Request.Context())

	rows, err := dc.ListMetadata(c.Request.Context(), filter)
	if err != nil {
		h.internalError(c, "list metadata failed", err)
		return
	}

	if q := c.Query("q"); q != "" {
		rows, err = filterByJQ(rows, q)
		if err != nil {
			h.badRequest(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, rows)
}

// GetMetadata handles GET /metadata/:id.
func (h *Handler) GetMetadata(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.badRequest(c, err)
		return
	}
	dc, err := h.factory.New(c.Request.Context())
	if err != nil {
		h.internalError(c, "acquire data context failed", err)
		return
	}
	defer dc.Close(c.Request.Context())

	m, err := dc.GetMetadata(c.Request.Context(), id)
	if err != nil {
		h.notFound(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// filterByJQ keeps only the rows whose {"input":...,"output":...} view
// produces a truthy result under the compiled gojq query q.
func filterByJQ(rows []*store.Metadata, q string) ([]*store.Metadata, error) {
	query, err := gojq.Parse(q)
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, err
	}

	out := make([]*store.Metadata, 0, len(rows))
	for _, m := range rows {
		view, err := jqView(m)
		if err != nil {
			continue
		}
		if jqMatches(code, view) {
			out = append(out, m)
		}
	}
	return out, nil
}

func jqView(m *store.Metadata) (map[string]any, error) {
	view := map[string]any{"name": m.Name, "externalId": m.ExternalID}
	if len(m.Input) > 0 {
		var v any
		if err := json.Unmarshal(m.Input, &v); err != nil {
			return nil, err
		}
		view["input"] = v
	}
	if len(m.Output) > 0 {
		var v any
		if err := json.Unmarshal(m.Output, &v); err != nil {
			return nil, err
		}
		view["output"] = v
	}
	return view, nil
}

func jqMatches(code *gojq.Code, view map[string]any) bool {
	iter := code.Run(view)
	for {
		v, ok := iter.Next()
		if !ok {
			return false
		}
		if err, isErr := v.(error); isErr {
			_ = err
			return false
		}
		if truthy(v) {
			return true
		}
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		return true
	}
}
