package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trestle/engine/internal/store"
)

func (c *DataContext) upsertMetadata(ctx context.Context, m *store.Metadata) error {
	if m.ID == 0 {
		return c.InsertMetadata(ctx, m)
	}
	return c.UpdateMetadata(ctx, m)
}

func (c *DataContext) InsertMetadata(ctx context.Context, m *store.Metadata) error {
	row := c.q().QueryRow(ctx, `
		INSERT INTO metadata (external_id, name, parent_id, workflow_state, start_time, end_time,
			failure_step, failure_exception, failure_reason, stack_trace, input, output, manifest_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`,
		m.ExternalID, m.Name, m.ParentID, string(m.WorkflowState), m.StartTime, m.EndTime,
		m.FailureStep, m.FailureException, m.FailureReason, m.StackTrace, m.Input, m.Output, m.ManifestID)
	if err := row.Scan(&m.ID); err != nil {
		return fmt.Errorf("insert metadata: %w", err)
	}
	return nil
}

func (c *DataContext) UpdateMetadata(ctx context.Context, m *store.Metadata) error {
	_, err := c.q().Exec(ctx, `
		UPDATE metadata SET
			workflow_state = $1, end_time = $2, failure_step = $3, failure_exception = $4,
			failure_reason = $5, stack_trace = $6, output = $7
		WHERE id = $8`,
		string(m.WorkflowState), m.EndTime, m.FailureStep, m.FailureException,
		m.FailureReason, m.StackTrace, m.Output, m.ID)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return nil
}

func (c *DataContext) GetMetadata(ctx context.Context, id int64) (*store.Metadata, error) {
	row := c.q().QueryRow(ctx, metadataSelect+` WHERE id = $1`, id)
	return scanMetadata(row)
}

func (c *DataContext) GetMetadataByExternalID(ctx context.Context, externalID string) (*store.Metadata, error) {
	row := c.q().QueryRow(ctx, metadataSelect+` WHERE external_id = $1`, externalID)
	return scanMetadata(row)
}

func (c *DataContext) ListMetadataForCleanup(ctx context.Context, workflowNames []string, olderThan time.Time) ([]*store.Metadata, error) {
	rows, err := c.q().Query(ctx, metadataSelect+`
		WHERE name = ANY($1) AND workflow_state IN ('Completed','Failed') AND start_time < $2`,
		workflowNames, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list metadata for cleanup: %w", err)
	}
	defer rows.Close()

	var out []*store.Metadata
	for rows.Next() {
		m, err := scanMetadataRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const metadataSelect = `SELECT id, external_id, name, parent_id, workflow_state, start_time, end_time,
	failure_step, failure_exception, failure_reason, stack_trace, input, output, manifest_id FROM metadata`

// ListMetadata backs the workflow run history query API, filtering by
// workflow name, state, and minimum
// start time, newest first.
func (c *DataContext) ListMetadata(ctx context.Context, filter store.MetadataFilter) ([]*store.Metadata, error) {
	query := metadataSelect + ` WHERE ($1 = '' OR name = $1) AND ($2 = '' OR workflow_state = $2)
		AND ($3::timestamptz IS NULL OR start_time >= $3) ORDER BY start_time DESC LIMIT $4`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.q().Query(ctx, query, filter.WorkflowName, string(filter.State), filter.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	defer rows.Close()

	var out []*store.Metadata
	for rows.Next() {
		m, err := scanMetadataRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row pgx.Row) (*store.Metadata, error) {
	m, err := scanMetadataRows(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func scanMetadataRows(row rowScanner) (*store.Metadata, error) {
	var m store.Metadata
	var state string
	if err := row.Scan(&m.ID, &m.ExternalID, &m.Name, &m.ParentID, &state, &m.StartTime, &m.EndTime,
		&m.FailureStep, &m.FailureException, &m.FailureReason, &m.StackTrace, &m.Input, &m.Output, &m.ManifestID); err != nil {
		return nil, fmt.Errorf("scan metadata: %w", err)
	}
	m.WorkflowState = store.WorkflowState(state)
	return &m, nil
}

func (c *DataContext) InsertStepMetadata(ctx context.Context, sm *store.StepMetadata) error {
	row := c.q().QueryRow(ctx, `
		INSERT INTO step_metadata (workflow_external_id, name, external_id, start_time_utc, end_time_utc,
			input_type, output_type, state, has_ran, output_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id`,
		sm.WorkflowExternalID, sm.Name, sm.ExternalID, sm.StartTimeUTC, sm.EndTimeUTC,
		sm.InputType, sm.OutputType, string(sm.State), sm.HasRan, sm.OutputJSON)
	if err := row.Scan(&sm.ID); err != nil {
		return fmt.Errorf("insert step metadata: %w", err)
	}
	return nil
}

// ListStepMetadataForWorkflow returns a run's step records in insertion
// order, keyed by the owning Metadata row's ExternalID.
func (c *DataContext) ListStepMetadataForWorkflow(ctx context.Context, workflowExternalID string) ([]*store.StepMetadata, error) {
	rows, err := c.q().Query(ctx, `
		SELECT id, workflow_external_id, name, external_id, start_time_utc, end_time_utc,
			input_type, output_type, state, has_ran, output_json
		FROM step_metadata WHERE workflow_external_id = $1 ORDER BY id`, workflowExternalID)
	if err != nil {
		return nil, fmt.Errorf("list step metadata: %w", err)
	}
	defer rows.Close()
	var out []*store.StepMetadata
	for rows.Next() {
		var sm store.StepMetadata
		var state string
		if err := rows.Scan(&sm.ID, &sm.WorkflowExternalID, &sm.Name, &sm.ExternalID, &sm.StartTimeUTC,
			&sm.EndTimeUTC, &sm.InputType, &sm.OutputType, &state, &sm.HasRan, &sm.OutputJSON); err != nil {
			return nil, fmt.Errorf("scan step metadata: %w", err)
		}
		sm.State = store.StepState(state)
		out = append(out, &sm)
	}
	return out, rows.Err()
}

func (c *DataContext) InsertLog(ctx context.Context, l *store.Log) error {
	row := c.q().QueryRow(ctx, `
		INSERT INTO log (metadata_id, level, message, fields, created_at)
		VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		l.MetadataID, l.Level, l.Message, l.Fields, l.CreatedAt)
	if err := row.Scan(&l.ID); err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

func (c *DataContext) DeleteLogsForMetadata(ctx context.Context, metadataIDs []int64) error {
	if len(metadataIDs) == 0 {
		return nil
	}
	_, err := c.q().Exec(ctx, `DELETE FROM log WHERE metadata_id = ANY($1)`, metadataIDs)
	if err != nil {
		return fmt.Errorf("delete logs: %w", err)
	}
	return nil
}

func (c *DataContext) DeleteStepMetadataForWorkflows(ctx context.Context, workflowExternalIDs []string) error {
	if len(workflowExternalIDs) == 0 {
		return nil
	}
	_, err := c.q().Exec(ctx, `DELETE FROM step_metadata WHERE workflow_external_id = ANY($1)`, workflowExternalIDs)
	if err != nil {
		return fmt.Errorf("delete step metadata: %w", err)
	}
	return nil
}

func (c *DataContext) DeleteMetadata(ctx context.Context, metadataIDs []int64) error {
	if len(metadataIDs) == 0 {
		return nil
	}
	_, err := c.q().Exec(ctx, `DELETE FROM metadata WHERE id = ANY($1)`, metadataIDs)
	if err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}
