package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trestle/engine/internal/store"
)

func (c *DataContext) InsertBackgroundJob(ctx context.Context, job *store.BackgroundJob) error {
	res, err := c.q().ExecContext(ctx, `
		INSERT INTO background_job (metadata_id, input, input_type, created_at, fetched_at)
		VALUES (?,?,?,?,?)`,
		job.MetadataID, jsonOrNil(job.Input), job.InputType, timeStr(job.CreatedAt), nullTimeStr(job.FetchedAt))
	if err != nil {
		return fmt.Errorf("insert background job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	job.ID = id
	return nil
}

// ClaimBackgroundJob selects the oldest claimable job and updates it by id
// inside one plain transaction, as the substitute for FOR UPDATE SKIP
// LOCKED, which SQLite does not support: the single-connection pool (see
// Open) serializes concurrent claimants, so there is never more than one
// writer in flight.
func (c *DataContext) ClaimBackgroundJob(ctx context.Context, visibilityTimeout time.Duration) (*store.BackgroundJob, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cutoff := time.Now().Add(-visibilityTimeout)
	row := tx.QueryRowContext(ctx, `
		SELECT id, metadata_id, input, input_type, created_at, fetched_at
		FROM background_job
		WHERE fetched_at IS NULL OR fetched_at < ?
		ORDER BY created_at ASC
		LIMIT 1`, timeStr(cutoff))

	var job store.BackgroundJob
	var input, inputType, fetchedAt sql.NullString
	var createdAt string
	if err := row.Scan(&job.ID, &job.MetadataID, &input, &inputType, &createdAt, &fetchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("claim background job: %w", err)
	}
	if input.Valid {
		job.Input = []byte(input.String)
	}
	if inputType.Valid {
		job.InputType = inputType.String
	}
	ct, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	job.CreatedAt = ct

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE background_job SET fetched_at = ? WHERE id = ?`, timeStr(now), job.ID); err != nil {
		return nil, fmt.Errorf("mark background job fetched: %w", err)
	}
	job.FetchedAt = &now

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &job, nil
}

func (c *DataContext) DeleteBackgroundJob(ctx context.Context, id int64) error {
	_, err := c.q().ExecContext(ctx, `DELETE FROM background_job WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete background job: %w", err)
	}
	return nil
}
