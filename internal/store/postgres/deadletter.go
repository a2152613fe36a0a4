package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/trestle/engine/internal/store"
)

const deadLetterSelect = `SELECT id, manifest_id, dead_lettered_at, reason, retry_count_at_dead_letter,
	status, resolved_at, resolution_note, retry_metadata_id FROM dead_letter`

func (c *DataContext) InsertDeadLetter(ctx context.Context, dl *store.DeadLetter) error {
	row := c.q().QueryRow(ctx, `
		INSERT INTO dead_letter (manifest_id, dead_lettered_at, reason, retry_count_at_dead_letter,
			status, resolved_at, resolution_note, retry_metadata_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
		dl.ManifestID, dl.DeadLetteredAt, dl.Reason, dl.RetryCountAtDeadLetter,
		string(dl.Status), dl.ResolvedAt, dl.ResolutionNote, dl.RetryMetadataID)
	if err := row.Scan(&dl.ID); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (c *DataContext) ListDeadLetters(ctx context.Context, status *store.DeadLetterStatus) ([]*store.DeadLetter, error) {
	query := deadLetterSelect
	var rows pgx.Rows
	var err error
	if status != nil {
		rows, err = c.q().Query(ctx, query+` WHERE status = $1 ORDER BY id DESC`, string(*status))
	} else {
		rows, err = c.q().Query(ctx, query+` ORDER BY id DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*store.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetterRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (c *DataContext) GetDeadLetter(ctx context.Context, id int64) (*store.DeadLetter, error) {
	dl, err := scanDeadLetterRow(c.q().QueryRow(ctx, deadLetterSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, store.ErrNotFound
	}
	return dl, nil
}

func scanDeadLetterRow(row rowScanner) (*store.DeadLetter, error) {
	var dl store.DeadLetter
	var status string
	if err := row.Scan(&dl.ID, &dl.ManifestID, &dl.DeadLetteredAt, &dl.Reason, &dl.RetryCountAtDeadLetter,
		&status, &dl.ResolvedAt, &dl.ResolutionNote, &dl.RetryMetadataID); err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}
	dl.Status = store.DeadLetterStatus(status)
	return &dl, nil
}

func (c *DataContext) AcknowledgeDeadLetter(ctx context.Context, id int64, note string, at time.Time) error {
	tag, err := c.q().Exec(ctx, `
		UPDATE dead_letter SET status = 'Acknowledged', resolved_at = $1, resolution_note = $2
		WHERE id = $3 AND status = 'AwaitingIntervention'`, at, note, id)
	if err != nil {
		return fmt.Errorf("acknowledge dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RetryDeadLetter re-enqueues the manifest: a new Metadata + WorkQueue
// are created for the manifest, and the dead letter transitions to Retried
// pointing at the new Metadata row. If the retry itself later exhausts
// retries, a fresh DeadLetter is created; this one stays Retried.
func (c *DataContext) RetryDeadLetter(ctx context.Context, id int64, manifest *store.Manifest, input []byte, at time.Time) (*store.WorkQueue, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin retry tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	txc := &DataContext{pool: c.pool, tx: tx}

	metadata := &store.Metadata{
		ExternalID:    uuid.NewString(),
		Name:          manifest.Name,
		WorkflowState: store.WorkflowPending,
		StartTime:     at,
		Input:         input,
		ManifestID:    &manifest.ID,
	}
	if err := txc.InsertMetadata(ctx, metadata); err != nil {
		return nil, err
	}

	// The queue row carries the Metadata created above so the Dispatcher
	// reuses it instead of minting a second row; RetryMetadataID below and
	// the row that actually runs stay the same record.
	wq := &store.WorkQueue{
		ExternalID:    uuid.NewString(),
		WorkflowName:  manifest.Name,
		Input:         input,
		InputTypeName: manifest.PropertyType,
		Status:        store.WorkQueueQueued,
		CreatedAt:     at,
		ManifestID:    &manifest.ID,
		MetadataID:    &metadata.ID,
		Priority:      0,
	}
	if err := txc.InsertWorkQueue(ctx, wq); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE dead_letter SET status = 'Retried', resolved_at = $1, retry_metadata_id = $2
		WHERE id = $3 AND status = 'AwaitingIntervention'`, at, metadata.ID, id)
	if err != nil {
		return nil, fmt.Errorf("mark dead letter retried: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, store.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit retry: %w", err)
	}
	return wq, nil
}
