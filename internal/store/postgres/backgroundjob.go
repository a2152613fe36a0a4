package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trestle/engine/internal/store"
)

func (c *DataContext) InsertBackgroundJob(ctx context.Context, job *store.BackgroundJob) error {
	row := c.q().QueryRow(ctx, `
		INSERT INTO background_job (metadata_id, input, input_type, created_at, fetched_at)
		VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		job.MetadataID, job.Input, job.InputType, job.CreatedAt, job.FetchedAt)
	if err := row.Scan(&job.ID); err != nil {
		return fmt.Errorf("insert background job: %w", err)
	}
	return nil
}

// ClaimBackgroundJob takes a row-level lease: select the oldest claimable row (unfetched, or fetched before the
// visibility timeout) with FOR UPDATE SKIP LOCKED so concurrent workers
// never double-claim, then mark it fetched in the same transaction.
func (c *DataContext) ClaimBackgroundJob(ctx context.Context, visibilityTimeout time.Duration) (*store.BackgroundJob, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cutoff := time.Now().Add(-visibilityTimeout)
	row := tx.QueryRow(ctx, `
		SELECT id, metadata_id, input, input_type, created_at, fetched_at
		FROM background_job
		WHERE fetched_at IS NULL OR fetched_at < $1
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, cutoff)

	var job store.BackgroundJob
	if err := row.Scan(&job.ID, &job.MetadataID, &job.Input, &job.InputType, &job.CreatedAt, &job.FetchedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("claim background job: %w", err)
	}

	now := time.Now()
	if _, err := tx.Exec(ctx, `UPDATE background_job SET fetched_at = $1 WHERE id = $2`, now, job.ID); err != nil {
		return nil, fmt.Errorf("mark background job fetched: %w", err)
	}
	job.FetchedAt = &now

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &job, nil
}

func (c *DataContext) DeleteBackgroundJob(ctx context.Context, id int64) error {
	_, err := c.q().Exec(ctx, `DELETE FROM background_job WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete background job: %w", err)
	}
	return nil
}
