// Package httpapi is the admin HTTP surface: manifest registration,
// dead-letter Acknowledge/Retry, Bus RunAsync, and read endpoints for
// Metadata/DeadLetter/ManifestGroup state. No dashboard UI
// lives here; this package is the JSON feed an external dashboard or CLI
// consumes. A Handler struct wraps the service layer plus a logger, with
// gin.H error responses and a single RegisterRoutes entry point.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trestle/engine/internal/bus"
	"github.com/trestle/engine/internal/scheduler"
	"github.com/trestle/engine/internal/store"
)

// Handler translates HTTP requests into calls on the scheduler/bus
// services.
type Handler struct {
	factory     store.Factory
	bus         *bus.Bus
	registry    *bus.Registry
	scheduler   *scheduler.Service
	deadLetters *scheduler.DeadLetters
	log         *slog.Logger
}

// New builds a Handler.
func New(factory store.Factory, b *bus.Bus, registry *bus.Registry, svc *scheduler.Service, deadLetters *scheduler.DeadLetters, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{factory: factory, bus: b, registry: registry, scheduler: svc, deadLetters: deadLetters, log: log}
}

// RegisterRoutes mounts the admin API onto r. reg is the Prometheus
// registry backing GET /metrics; pass nil to skip mounting it.
func RegisterRoutes(r *gin.Engine, h *Handler, reg *prometheus.Registry) {
	r.POST("/workflows/:name/run", h.RunWorkflow)

	r.POST("/manifests", h.CreateManifest)
	r.GET("/manifests", h.ListManifests)
	r.GET("/manifests/:id", h.GetManifest)

	r.POST("/manifest-groups", h.CreateManifestGroup)
	r.GET("/manifest-groups", h.ListManifestGroups)
	r.DELETE("/manifest-groups/:id", h.DeleteManifestGroup)
	r.GET("/manifest-groups/:id/load", h.ManifestGroupLoad)

	r.GET("/deadletters", h.ListDeadLetters)
	r.POST("/deadletters/:id/ack", h.AcknowledgeDeadLetter)
	r.POST("/deadletters/:id/retry", h.RetryDeadLetter)

	r.GET("/metadata", h.ListMetadata)
	r.GET("/metadata/:id", h.GetMetadata)

	if reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.log.Error(op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (h *Handler) notFound(c *gin.Context, err error) {
	c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
}
