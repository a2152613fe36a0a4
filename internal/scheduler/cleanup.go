package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trestle/engine/internal/store"
)

// CleanupConfig controls which workflows are eligible for cleanup and how
// long their Metadata survives: a whitelist plus a retention window.
type CleanupConfig struct {
	// WorkflowNames whitelists which workflow names are ever cleaned up. An
	// empty slice, the config.MetadataCleanupConfig default, means no
	// workflow is cleaned up.
	WorkflowNames []string
	Retention     time.Duration
}

// Cleanup is the metadata retention loop: delete WorkQueue rows,
// then StepMetadata, then Log, then Metadata itself, for completed runs
// older than the configured retention window.
type Cleanup struct {
	factory store.Factory
	log     *slog.Logger
	tick    time.Duration
	cfg     CleanupConfig
}

// NewCleanup builds a Cleanup service.
func NewCleanup(factory store.Factory, log *slog.Logger, tick time.Duration, cfg CleanupConfig) *Cleanup {
	if log == nil {
		log = slog.Default()
	}
	return &Cleanup{factory: factory, log: log, tick: tick, cfg: cfg}
}

// Run blocks, ticking until ctx is cancelled.
func (c *Cleanup) Run(ctx context.Context) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				c.log.Warn("cleanup tick failed", "error", err)
			}
		}
	}
}

// Tick executes one cleanup pass. Order matters: WorkQueue and StepMetadata
// and Log all reference Metadata, so they're deleted first, only then
// Metadata itself, leaving no dangling foreign key in either backend.
func (c *Cleanup) Tick(ctx context.Context) error {
	dc, err := c.factory.New(ctx)
	if err != nil {
		return fmt.Errorf("cleanup: acquire data context: %w", err)
	}
	defer dc.Close(ctx)

	cutoff := time.Now().UTC().Add(-c.cfg.Retention)
	candidates, err := dc.ListMetadataForCleanup(ctx, c.cfg.WorkflowNames, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup: list candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(candidates))
	externalIDs := make([]string, 0, len(candidates))
	for _, md := range candidates {
		ids = append(ids, md.ID)
		externalIDs = append(externalIDs, md.ExternalID)
	}

	if err := dc.DeleteWorkQueueForMetadata(ctx, ids); err != nil {
		return fmt.Errorf("cleanup: delete work queue: %w", err)
	}
	if err := dc.DeleteStepMetadataForWorkflows(ctx, externalIDs); err != nil {
		return fmt.Errorf("cleanup: delete step metadata: %w", err)
	}
	if err := dc.DeleteLogsForMetadata(ctx, ids); err != nil {
		return fmt.Errorf("cleanup: delete logs: %w", err)
	}
	if err := dc.DeleteMetadata(ctx, ids); err != nil {
		return fmt.Errorf("cleanup: delete metadata: %w", err)
	}

	c.log.Info("metadata cleanup swept", "count", len(ids), "cutoff", cutoff)
	return nil
}
