package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/trestle/engine/internal/store"
)

const workQueueSelect = `SELECT id, external_id, workflow_name, input, input_type_name, status,
	created_at, dispatched_at, priority, manifest_id, metadata_id FROM work_queue`

func (c *DataContext) InsertWorkQueue(ctx context.Context, wq *store.WorkQueue) error {
	row := c.q().QueryRow(ctx, `
		INSERT INTO work_queue (external_id, workflow_name, input, input_type_name, status, created_at,
			dispatched_at, priority, manifest_id, metadata_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id`,
		wq.ExternalID, wq.WorkflowName, wq.Input, wq.InputTypeName, string(wq.Status), wq.CreatedAt,
		wq.DispatchedAt, store.ClampPriority(wq.Priority), wq.ManifestID, wq.MetadataID)
	if err := row.Scan(&wq.ID); err != nil {
		return fmt.Errorf("insert work queue: %w", err)
	}
	return nil
}

func (c *DataContext) HasOpenWorkQueue(ctx context.Context, manifestID int64) (bool, error) {
	var exists bool
	err := c.q().QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM work_queue WHERE manifest_id = $1 AND status IN ('Queued','Dispatched'))`,
		manifestID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check open work queue: %w", err)
	}
	return exists, nil
}

// ListQueuedWorkItems loads queued items with their manifest and group,
// ordered Dependent-schedule manifests first, then by group
// priority descending, then by creation time ascending (FIFO within group).
func (c *DataContext) ListQueuedWorkItems(ctx context.Context) ([]*store.QueuedWorkItem, error) {
	rows, err := c.q().Query(ctx, `
		SELECT wq.id, wq.external_id, wq.workflow_name, wq.input, wq.input_type_name, wq.status,
			wq.created_at, wq.dispatched_at, wq.priority, wq.manifest_id, wq.metadata_id
		FROM work_queue wq
		LEFT JOIN manifest m ON m.id = wq.manifest_id
		WHERE wq.status = 'Queued'
		ORDER BY (m.schedule_type = 'Dependent') DESC, wq.priority DESC, wq.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queued work items: %w", err)
	}
	defer rows.Close()

	var wqs []*store.WorkQueue
	for rows.Next() {
		wq, err := scanWorkQueueRow(rows)
		if err != nil {
			return nil, err
		}
		wqs = append(wqs, wq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*store.QueuedWorkItem, 0, len(wqs))
	for _, wq := range wqs {
		item := &store.QueuedWorkItem{WorkQueue: wq}
		if wq.ManifestID != nil {
			m, err := c.GetManifest(ctx, *wq.ManifestID)
			if err == nil {
				item.Manifest = m
				g, err := c.GetManifestGroup(ctx, m.ManifestGroupID)
				if err == nil {
					item.Group = g
				}
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func scanWorkQueueRow(row rowScanner) (*store.WorkQueue, error) {
	var wq store.WorkQueue
	var status string
	if err := row.Scan(&wq.ID, &wq.ExternalID, &wq.WorkflowName, &wq.Input, &wq.InputTypeName, &status,
		&wq.CreatedAt, &wq.DispatchedAt, &wq.Priority, &wq.ManifestID, &wq.MetadataID); err != nil {
		return nil, fmt.Errorf("scan work queue: %w", err)
	}
	wq.Status = store.WorkQueueStatus(status)
	return &wq, nil
}

// GroupCapacities computes remaining dispatch capacity per group:
// active = count of Metadata in Pending/InProgress whose
// manifest belongs to that group.
func (c *DataContext) GroupCapacities(ctx context.Context, globalMax *int64) (map[int64]*store.GroupCapacity, error) {
	rows, err := c.q().Query(ctx, `
		SELECT mg.id, mg.max_active_jobs, count(md.id)
		FROM manifest_group mg
		LEFT JOIN manifest m ON m.manifest_group_id = mg.id
		LEFT JOIN metadata md ON md.manifest_id = m.id AND md.workflow_state IN ('Pending','InProgress')
		GROUP BY mg.id, mg.max_active_jobs`)
	if err != nil {
		return nil, fmt.Errorf("group capacities: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*store.GroupCapacity)
	for rows.Next() {
		var groupID int64
		var groupMax *int64
		var active int
		if err := rows.Scan(&groupID, &groupMax, &active); err != nil {
			return nil, fmt.Errorf("scan group capacity: %w", err)
		}
		max := tighterOf(groupMax, globalMax)
		out[groupID] = &store.GroupCapacity{GroupID: groupID, ActiveCount: active, MaxActiveJobs: max}
	}
	return out, rows.Err()
}

func tighterOf(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a < *b {
		return a
	}
	return b
}

// DispatchWorkQueueItem performs the atomic dispatch triple: insert
// Metadata, flip the WorkQueue row to Dispatched, insert a
// BackgroundJob, all inside one transaction so a crash mid-sequence
// leaves the WorkQueue row Queued for the next tick to retry.
func (c *DataContext) DispatchWorkQueueItem(ctx context.Context, wq *store.WorkQueue, metadata *store.Metadata, job *store.BackgroundJob) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin dispatch tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	txc := &DataContext{pool: c.pool, tx: tx}

	// A zero ID means the Metadata is new; a dead-letter retry hands in the
	// row it already persisted.
	if metadata.ID == 0 {
		if err := txc.InsertMetadata(ctx, metadata); err != nil {
			return err
		}
	}

	dispatchedAt := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE work_queue SET status = 'Dispatched', dispatched_at = $1, metadata_id = $2
		WHERE id = $3 AND status = 'Queued'`, dispatchedAt, metadata.ID, wq.ID)
	if err != nil {
		return fmt.Errorf("dispatch work queue row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDispatchConflict
	}

	job.MetadataID = metadata.ID
	if err := txc.InsertBackgroundJob(ctx, job); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	wq.Status = store.WorkQueueDispatched
	wq.DispatchedAt = &dispatchedAt
	wq.MetadataID = &metadata.ID
	return nil
}

func (c *DataContext) DeleteWorkQueueForMetadata(ctx context.Context, metadataIDs []int64) error {
	if len(metadataIDs) == 0 {
		return nil
	}
	_, err := c.q().Exec(ctx, `DELETE FROM work_queue WHERE metadata_id = ANY($1)`, metadataIDs)
	if err != nil {
		return fmt.Errorf("delete work queue: %w", err)
	}
	return nil
}
