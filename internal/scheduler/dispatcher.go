package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trestle/engine/internal/store"
)

// Dispatcher is the job dispatcher loop: load queued WorkQueue
// items, order Dependent-first/priority desc/created-at asc, select within
// each group's remaining capacity, and dispatch atomically.
type Dispatcher struct {
	factory   store.Factory
	log       *slog.Logger
	tick      time.Duration
	globalMax *int64
	metrics   *Metrics
}

// NewDispatcher builds a Dispatcher. globalMax is an optional ceiling on
// total active jobs across every group (nil = unlimited).
func NewDispatcher(factory store.Factory, log *slog.Logger, tick time.Duration, globalMax *int64) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{factory: factory, log: log, tick: tick, globalMax: globalMax}
}

// WithMetrics attaches an OTel Metrics bundle, returning d for chaining.
// A nil metrics argument is valid and leaves instrumentation disabled.
func (d *Dispatcher) WithMetrics(metrics *Metrics) *Dispatcher {
	d.metrics = metrics
	return d
}

// Run blocks, ticking until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.log.Warn("dispatcher tick failed", "error", err)
			}
		}
	}
}

// Tick executes one Load -> Order -> Select -> Dispatch pass.
func (d *Dispatcher) Tick(ctx context.Context) error {
	dc, err := d.factory.New(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: acquire data context: %w", err)
	}
	defer dc.Close(ctx)

	items, err := dc.ListQueuedWorkItems(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: load queued items: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	capacities, err := dc.GroupCapacities(ctx, d.globalMax)
	if err != nil {
		return fmt.Errorf("dispatcher: load group capacities: %w", err)
	}

	order(items)

	dispatched := 0
	skipped := 0
	for _, item := range items {
		groupID := int64(0)
		if item.Group != nil {
			groupID = item.Group.ID
		}
		capEntry := capacities[groupID]
		if capEntry != nil && capEntry.Remaining() == 0 {
			skipped++
			continue
		}
		if err := d.dispatch(ctx, dc, item); err != nil {
			d.log.Warn("dispatcher dispatch failed", "work_queue_external_id", item.WorkQueue.ExternalID, "error", err)
			continue
		}
		if capEntry != nil {
			capEntry.ActiveCount++
		}
		dispatched++
	}
	d.log.Debug("dispatcher tick finished", "queued", len(items), "dispatched", dispatched)
	d.metrics.incDispatched(ctx, int64(dispatched))
	d.metrics.incSkipped(ctx, int64(skipped))
	return nil
}

// order sorts queued items Dependent-manifest-first, then priority
// descending, then created-at ascending (FIFO within a priority).
func order(items []*store.QueuedWorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		di := isDependent(items[i])
		dj := isDependent(items[j])
		if di != dj {
			return di
		}
		pi, pj := items[i].WorkQueue.Priority, items[j].WorkQueue.Priority
		if pi != pj {
			return pi > pj
		}
		return items[i].WorkQueue.CreatedAt.Before(items[j].WorkQueue.CreatedAt)
	})
}

func isDependent(item *store.QueuedWorkItem) bool {
	return item.Manifest != nil && item.Manifest.ScheduleType == store.ScheduleDependent
}

// dispatch performs the atomic triple: insert Metadata, mark
// WorkQueue Dispatched, insert a claimable BackgroundJob. DispatchWorkQueueItem
// wraps all three in a single transaction so a failure leaves the WorkQueue
// row untouched (still Queued, retried next tick).
func (d *Dispatcher) dispatch(ctx context.Context, dc store.DataContext, item *store.QueuedWorkItem) error {
	var metadata *store.Metadata
	if item.WorkQueue.MetadataID != nil {
		// A dead-letter retry pre-created the Metadata this queue item must
		// run under; reuse it instead of minting a second row.
		existing, err := dc.GetMetadata(ctx, *item.WorkQueue.MetadataID)
		if err != nil {
			return fmt.Errorf("load pre-created metadata %d for work queue item %s: %w",
				*item.WorkQueue.MetadataID, item.WorkQueue.ExternalID, err)
		}
		metadata = existing
	} else {
		metadata = &store.Metadata{
			ExternalID:    uuid.NewString(),
			Name:          item.WorkQueue.WorkflowName,
			WorkflowState: store.WorkflowPending,
			StartTime:     time.Now().UTC(),
			Input:         item.WorkQueue.Input,
			ManifestID:    item.WorkQueue.ManifestID,
		}
	}
	job := &store.BackgroundJob{
		Input:     item.WorkQueue.Input,
		InputType: item.WorkQueue.InputTypeName,
		CreatedAt: time.Now().UTC(),
	}
	if err := dc.DispatchWorkQueueItem(ctx, item.WorkQueue, metadata, job); err != nil {
		return fmt.Errorf("dispatch work queue item %s: %w", item.WorkQueue.ExternalID, err)
	}
	d.log.Info("work item dispatched", "work_queue_external_id", item.WorkQueue.ExternalID, "metadata_external_id", metadata.ExternalID)
	return nil
}
