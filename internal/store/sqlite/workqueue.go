package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trestle/engine/internal/store"
)

const workQueueSelect = `SELECT id, external_id, workflow_name, input, input_type_name, status,
	created_at, dispatched_at, priority, manifest_id, metadata_id FROM work_queue`

func (c *DataContext) InsertWorkQueue(ctx context.Context, wq *store.WorkQueue) error {
	res, err := c.q().ExecContext(ctx, `
		INSERT INTO work_queue (external_id, workflow_name, input, input_type_name, status, created_at,
			dispatched_at, priority, manifest_id, metadata_id)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		wq.ExternalID, wq.WorkflowName, jsonOrNil(wq.Input), wq.InputTypeName, string(wq.Status),
		timeStr(wq.CreatedAt), nullTimeStr(wq.DispatchedAt), store.ClampPriority(wq.Priority),
		nullInt64(wq.ManifestID), nullInt64(wq.MetadataID))
	if err != nil {
		return fmt.Errorf("insert work queue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	wq.ID = id
	return nil
}

func (c *DataContext) HasOpenWorkQueue(ctx context.Context, manifestID int64) (bool, error) {
	var exists int
	err := c.q().QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM work_queue WHERE manifest_id = ? AND status IN ('Queued','Dispatched'))`,
		manifestID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check open work queue: %w", err)
	}
	return exists != 0, nil
}

func (c *DataContext) ListQueuedWorkItems(ctx context.Context) ([]*store.QueuedWorkItem, error) {
	rows, err := c.q().QueryContext(ctx, `
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
		wq, err := scanWorkQueue(rows)
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
				if g, err := c.GetManifestGroup(ctx, m.ManifestGroupID); err == nil {
					item.Group = g
				}
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func scanWorkQueue(row scanner) (*store.WorkQueue, error) {
	var wq store.WorkQueue
	var status string
	var input sql.NullString
	var dispatchedAt sql.NullString
	var manifestID, metadataID sql.NullInt64
	var createdAt string
	if err := row.Scan(&wq.ID, &wq.ExternalID, &wq.WorkflowName, &input, &wq.InputTypeName, &status,
		&createdAt, &dispatchedAt, &wq.Priority, &manifestID, &metadataID); err != nil {
		return nil, fmt.Errorf("scan work queue: %w", err)
	}
	wq.Status = store.WorkQueueStatus(status)
	if input.Valid {
		wq.Input = []byte(input.String)
	}
	ct, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	wq.CreatedAt = ct
	if wq.DispatchedAt, err = parseNullTime(dispatchedAt); err != nil {
		return nil, err
	}
	if manifestID.Valid {
		wq.ManifestID = &manifestID.Int64
	}
	if metadataID.Valid {
		wq.MetadataID = &metadataID.Int64
	}
	return &wq, nil
}

func (c *DataContext) GroupCapacities(ctx context.Context, globalMax *int64) (map[int64]*store.GroupCapacity, error) {
	rows, err := c.q().QueryContext(ctx, `
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
		var groupMax sql.NullInt64
		var active int
		if err := rows.Scan(&groupID, &groupMax, &active); err != nil {
			return nil, fmt.Errorf("scan group capacity: %w", err)
		}
		var gm *int64
		if groupMax.Valid {
			gm = &groupMax.Int64
		}
		max := tighterOf(gm, globalMax)
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

// DispatchWorkQueueItem mirrors the Postgres atomic triple inside one plain
// SQLite transaction; with no FOR UPDATE in SQLite, the single-connection
// pool (see Open) keeps concurrent dispatchers from interleaving.
func (c *DataContext) DispatchWorkQueueItem(ctx context.Context, wq *store.WorkQueue, metadata *store.Metadata, job *store.BackgroundJob) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin dispatch tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	txc := &DataContext{db: c.db, tx: tx}

	// A zero ID means the Metadata is new; a dead-letter retry hands in the
	// row it already persisted.
	if metadata.ID == 0 {
		if err := txc.InsertMetadata(ctx, metadata); err != nil {
			return err
		}
	}

	dispatchedAt := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE work_queue SET status = 'Dispatched', dispatched_at = ?, metadata_id = ?
		WHERE id = ? AND status = 'Queued'`, timeStr(dispatchedAt), metadata.ID, wq.ID)
	if err != nil {
		return fmt.Errorf("dispatch work queue row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrDispatchConflict
	}

	job.MetadataID = metadata.ID
	if err := txc.InsertBackgroundJob(ctx, job); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
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
	placeholders, args := inClauseInt64(metadataIDs)
	_, err := c.q().ExecContext(ctx, `DELETE FROM work_queue WHERE metadata_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete work queue: %w", err)
	}
	return nil
}
