package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/trestle/engine/internal/scheduler"
	"github.com/trestle/engine/internal/store"
)

// manifestRequest is the wire shape of POST /manifests, mirroring
// scheduler.Spec with Input left as raw JSON until scheduling time.
type manifestRequest struct {
	ExternalID      string          `json:"externalId"`
	WorkflowName    string          `json:"workflowName" binding:"required"`
	FullName        string          `json:"fullName"`
	PropertyType    string          `json:"propertyType" binding:"required"`
	Input           json.RawMessage `json:"input"`
	Group           string          `json:"group"`
	Priority        int             `json:"priority"`
	MaxRetries      int             `json:"maxRetries"`
	IsEnabled       bool            `json:"isEnabled"`
	Cron            string          `json:"cron"`
	IntervalSeconds int64           `json:"intervalSeconds"`
	OnDemand        bool            `json:"onDemand"`
	DependsOn       string          `json:"dependsOn"` // parent manifest externalId; ThenInclude if set
}

// CreateManifest handles POST /manifests, the HTTP companion to the
// Go-level Schedule/ThenInclude API.
func (h *Handler) CreateManifest(c *gin.Context) {
	var req manifestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	spec := scheduler.Spec{
		ExternalID:      req.ExternalID,
		WorkflowName:    req.WorkflowName,
		FullName:        req.FullName,
		PropertyType:    req.PropertyType,
		Input:           req.Input,
		Group:           req.Group,
		Priority:        req.Priority,
		MaxRetries:      req.MaxRetries,
		IsEnabled:       req.IsEnabled,
		Cron:            req.Cron,
		IntervalSeconds: req.IntervalSeconds,
		OnDemand:        req.OnDemand,
	}

	var m *store.Manifest
	var err error
	if req.DependsOn != "" {
		m, err = h.scheduler.ThenInclude(c.Request.Context(), req.DependsOn, spec)
	} else {
		m, err = h.scheduler.Schedule(c.Request.Context(), spec)
	}
	if err != nil {
		h.internalError(c, "create manifest failed", err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// ListManifests handles GET /manifests.
func (h *Handler) ListManifests(c *gin.Context) {
	dc, err := h.factory.New(c.Request.Context())
	if err != nil {
		h.internalError(c, "acquire data context failed", err)
		return
	}
	defer dc.Close(c.Request.Context())

	manifests, err := dc.ListManifests(c.Request.Context())
	if err != nil {
		h.internalError(c, "list manifests failed", err)
		return
	}
	c.JSON(http.StatusOK, manifests)
}

// GetManifest handles GET /manifests/:id.
func (h *Handler) GetManifest(c *gin.Context) {
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

	m, err := dc.GetManifest(c.Request.Context(), id)
	if err != nil {
		h.notFound(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}
