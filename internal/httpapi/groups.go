package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/trestle/engine/internal/store"
)

type manifestGroupRequest struct {
	Name          string `json:"name" binding:"required"`
	MaxActiveJobs *int64 `json:"maxActiveJobs"`
	Priority      int    `json:"priority"`
}

// CreateManifestGroup handles POST /manifest-groups. Groups normally
// auto-materialize on first reference; this endpoint lets an operator do
// that explicitly and set MaxActiveJobs/Priority in the same call.
func (h *Handler) CreateManifestGroup(c *gin.Context) {
	var req manifestGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	dc, err := h.factory.New(c.Request.Context())
	if err != nil {
		h.internalError(c, "acquire data context failed", err)
		return
	}
	defer dc.Close(c.Request.Context())

	group, err := dc.GetOrCreateManifestGroup(c.Request.Context(), req.Name)
	if err != nil {
		h.internalError(c, "materialize manifest group failed", err)
		return
	}
	group.MaxActiveJobs = req.MaxActiveJobs
	group.Priority = store.ClampPriority(req.Priority)
	if err := dc.UpdateManifestGroup(c.Request.Context(), group); err != nil {
		h.internalError(c, "update manifest group failed", err)
		return
	}
	c.JSON(http.StatusCreated, group)
}

// ListManifestGroups handles GET /manifest-groups.
func (h *Handler) ListManifestGroups(c *gin.Context) {
	dc, err := h.factory.New(c.Request.Context())
	if err != nil {
		h.internalError(c, "acquire data context failed", err)
		return
	}
	defer dc.Close(c.Request.Context())

	groups, err := dc.ListManifestGroups(c.Request.Context())
	if err != nil {
		h.internalError(c, "list manifest groups failed", err)
		return
	}
	c.JSON(http.StatusOK, groups)
}

// DeleteManifestGroup handles DELETE /manifest-groups/:id, refused while
// any Manifest still references the group.
func (h *Handler) DeleteManifestGroup(c *gin.Context) {
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

	if err := dc.DeleteManifestGroup(c.Request.Context(), id); err != nil {
		if err == store.ErrGroupInUse {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.internalError(c, "delete manifest group failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ManifestGroupLoad handles GET /manifest-groups/:id/load, surfacing the
// Dispatcher's own per-group capacity computation for operator
// visibility into why a manifest isn't dispatching.
func (h *Handler) ManifestGroupLoad(c *gin.Context) {
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

	capacities, err := dc.GroupCapacities(c.Request.Context(), nil)
	if err != nil {
		h.internalError(c, "load group capacities failed", err)
		return
	}
	capEntry, ok := capacities[id]
	if !ok {
		c.JSON(http.StatusOK, gin.H{"groupId": id, "activeCount": 0, "maxActiveJobs": nil, "remaining": -1})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"groupId":       capEntry.GroupID,
		"activeCount":   capEntry.ActiveCount,
		"maxActiveJobs": capEntry.MaxActiveJobs,
		"remaining":     capEntry.Remaining(),
	})
}
