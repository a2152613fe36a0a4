package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trestle/engine/internal/store"
)

const deadLetterSelect = `SELECT id, manifest_id, dead_lettered_at, reason, retry_count_at_dead_letter,
	status, resolved_at, resolution_note, retry_metadata_id FROM dead_letter`

func (c *DataContext) InsertDeadLetter(ctx context.Context, dl *store.DeadLetter) error {
	res, err := c.q().ExecContext(ctx, `
		INSERT INTO dead_letter (manifest_id, dead_lettered_at, reason, retry_count_at_dead_letter,
			status, resolved_at, resolution_note, retry_metadata_id)
		VALUES (?,?,?,?,?,?,?,?)`,
		dl.ManifestID, timeStr(dl.DeadLetteredAt), dl.Reason, dl.RetryCountAtDeadLetter,
		string(dl.Status), nullTimeStr(dl.ResolvedAt), nullString(dl.ResolutionNote), nullInt64(dl.RetryMetadataID))
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	dl.ID = id
	return nil
}

func (c *DataContext) ListDeadLetters(ctx context.Context, status *store.DeadLetterStatus) ([]*store.DeadLetter, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = c.q().QueryContext(ctx, deadLetterSelect+` WHERE status = ? ORDER BY id DESC`, string(*status))
	} else {
		rows, err = c.q().QueryContext(ctx, deadLetterSelect+` ORDER BY id DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*store.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (c *DataContext) GetDeadLetter(ctx context.Context, id int64) (*store.DeadLetter, error) {
	dl, err := scanDeadLetter(c.q().QueryRowContext(ctx, deadLetterSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, store.ErrNotFound
	}
	return dl, nil
}

func scanDeadLetter(row scanner) (*store.DeadLetter, error) {
	var dl store.DeadLetter
	var status, deadLetteredAt string
	var resolvedAt, resolutionNote sql.NullString
	var retryMetadataID sql.NullInt64
	if err := row.Scan(&dl.ID, &dl.ManifestID, &deadLetteredAt, &dl.Reason, &dl.RetryCountAtDeadLetter,
		&status, &resolvedAt, &resolutionNote, &retryMetadataID); err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}
	dl.Status = store.DeadLetterStatus(status)
	dlAt, err := parseTime(deadLetteredAt)
	if err != nil {
		return nil, err
	}
	dl.DeadLetteredAt = dlAt
	if dl.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, err
	}
	if resolutionNote.Valid {
		dl.ResolutionNote = &resolutionNote.String
	}
	if retryMetadataID.Valid {
		dl.RetryMetadataID = &retryMetadataID.Int64
	}
	return &dl, nil
}

func (c *DataContext) AcknowledgeDeadLetter(ctx context.Context, id int64, note string, at time.Time) error {
	res, err := c.q().ExecContext(ctx, `
		UPDATE dead_letter SET status = 'Acknowledged', resolved_at = ?, resolution_note = ?
		WHERE id = ? AND status = 'AwaitingIntervention'`, timeStr(at), note, id)
	if err != nil {
		return fmt.Errorf("acknowledge dead letter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *DataContext) RetryDeadLetter(ctx context.Context, id int64, manifest *store.Manifest, input []byte, at time.Time) (*store.WorkQueue, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin retry tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	txc := &DataContext{db: c.db, tx: tx}

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

	res, err := tx.ExecContext(ctx, `
		UPDATE dead_letter SET status = 'Retried', resolved_at = ?, retry_metadata_id = ?
		WHERE id = ? AND status = 'AwaitingIntervention'`, timeStr(at), metadata.ID, id)
	if err != nil {
		return nil, fmt.Errorf("mark dead letter retried: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit retry: %w", err)
	}
	return wq, nil
}
