package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trestle/engine/internal/store"
)

func (c *DataContext) upsertMetadata(ctx context.Context, m *store.Metadata) error {
	if m.ID == 0 {
		return c.InsertMetadata(ctx, m)
	}
	return c.UpdateMetadata(ctx, m)
}

func (c *DataContext) InsertMetadata(ctx context.Context, m *store.Metadata) error {
	res, err := c.q().ExecContext(ctx, `
		INSERT INTO metadata (external_id, name, parent_id, workflow_state, start_time, end_time,
			failure_step, failure_exception, failure_reason, stack_trace, input, output, manifest_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ExternalID, m.Name, nullInt64(m.ParentID), string(m.WorkflowState), timeStr(m.StartTime),
		nullTimeStr(m.EndTime), nullString(m.FailureStep), nullString(m.FailureException),
		nullString(m.FailureReason), nullString(m.StackTrace), jsonOrNil(m.Input), jsonOrNil(m.Output),
		nullInt64(m.ManifestID))
	if err != nil {
		return fmt.Errorf("insert metadata: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert metadata id: %w", err)
	}
	m.ID = id
	return nil
}

func (c *DataContext) UpdateMetadata(ctx context.Context, m *store.Metadata) error {
	_, err := c.q().ExecContext(ctx, `
		UPDATE metadata SET workflow_state=?, end_time=?, failure_step=?, failure_exception=?,
			failure_reason=?, stack_trace=?, output=? WHERE id=?`,
		string(m.WorkflowState), nullTimeStr(m.EndTime), nullString(m.FailureStep),
		nullString(m.FailureException), nullString(m.FailureReason), nullString(m.StackTrace),
		jsonOrNil(m.Output), m.ID)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return nil
}

const metadataSelect = `SELECT id, external_id, name, parent_id, workflow_state, start_time, end_time,
	failure_step, failure_exception, failure_reason, stack_trace, input, output, manifest_id FROM metadata`

func (c *DataContext) GetMetadata(ctx context.Context, id int64) (*store.Metadata, error) {
	return scanMetadataRow(c.q().QueryRowContext(ctx, metadataSelect+` WHERE id = ?`, id))
}

func (c *DataContext) GetMetadataByExternalID(ctx context.Context, externalID string) (*store.Metadata, error) {
	return scanMetadataRow(c.q().QueryRowContext(ctx, metadataSelect+` WHERE external_id = ?`, externalID))
}

func (c *DataContext) ListMetadataForCleanup(ctx context.Context, workflowNames []string, olderThan time.Time) ([]*store.Metadata, error) {
	if len(workflowNames) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(workflowNames)
	args = append(args, timeStr(olderThan))
	rows, err := c.q().QueryContext(ctx, metadataSelect+`
		WHERE name IN (`+placeholders+`) AND workflow_state IN ('Completed','Failed') AND start_time < ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list metadata for cleanup: %w", err)
	}
	defer rows.Close()

	var out []*store.Metadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMetadata backs the workflow run history query API, filtering by
// workflow name, state, and minimum
// start time, newest first.
func (c *DataContext) ListMetadata(ctx context.Context, filter store.MetadataFilter) ([]*store.Metadata, error) {
	query := metadataSelect + ` WHERE 1=1`
	var args []any
	if filter.WorkflowName != "" {
		query += ` AND name = ?`
		args = append(args, filter.WorkflowName)
	}
	if filter.State != "" {
		query += ` AND workflow_state = ?`
		args = append(args, string(filter.State))
	}
	if filter.Since != nil {
		query += ` AND start_time >= ?`
		args = append(args, timeStr(*filter.Since))
	}
	query += ` ORDER BY start_time DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := c.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	defer rows.Close()

	var out []*store.Metadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMetadataRow(row *sql.Row) (*store.Metadata, error) {
	m, err := scanMetadata(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func scanMetadata(row scanner) (*store.Metadata, error) {
	var m store.Metadata
	var state, startTime string
	var endTime, input, output sql.NullString
	var parentID, manifestID sql.NullInt64
	var failureStep, failureException, failureReason, stackTrace sql.NullString
	if err := row.Scan(&m.ID, &m.ExternalID, &m.Name, &parentID, &state, &startTime, &endTime,
		&failureStep, &failureException, &failureReason, &stackTrace, &input, &output, &manifestID); err != nil {
		return nil, err
	}
	m.WorkflowState = store.WorkflowState(state)
	st, err := parseTime(startTime)
	if err != nil {
		return nil, fmt.Errorf("parse start_time: %w", err)
	}
	m.StartTime = st
	if m.EndTime, err = parseNullTime(endTime); err != nil {
		return nil, err
	}
	if parentID.Valid {
		m.ParentID = &parentID.Int64
	}
	if manifestID.Valid {
		m.ManifestID = &manifestID.Int64
	}
	if failureStep.Valid {
		m.FailureStep = &failureStep.String
	}
	if failureException.Valid {
		m.FailureException = &failureException.String
	}
	if failureReason.Valid {
		m.FailureReason = &failureReason.String
	}
	if stackTrace.Valid {
		m.StackTrace = &stackTrace.String
	}
	if input.Valid {
		m.Input = []byte(input.String)
	}
	if output.Valid {
		m.Output = []byte(output.String)
	}
	return &m, nil
}

func (c *DataContext) InsertStepMetadata(ctx context.Context, sm *store.StepMetadata) error {
	res, err := c.q().ExecContext(ctx, `
		INSERT INTO step_metadata (workflow_external_id, name, external_id, start_time_utc, end_time_utc,
			input_type, output_type, state, has_ran, output_json)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		sm.WorkflowExternalID, sm.Name, sm.ExternalID, nullTimeStr(sm.StartTimeUTC), nullTimeStr(sm.EndTimeUTC),
		sm.InputType, sm.OutputType, string(sm.State), boolToInt(sm.HasRan), jsonOrNil(sm.OutputJSON))
	if err != nil {
		return fmt.Errorf("insert step metadata: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	sm.ID = id
	return nil
}

func (c *DataContext) ListStepMetadataForWorkflow(ctx context.Context, workflowExternalID string) ([]*store.StepMetadata, error) {
	rows, err := c.q().QueryContext(ctx, `
		SELECT id, workflow_external_id, name, external_id, start_time_utc, end_time_utc,
			input_type, output_type, state, has_ran, output_json
		FROM step_metadata WHERE workflow_external_id = ? ORDER BY id`, workflowExternalID)
	if err != nil {
		return nil, fmt.Errorf("list step metadata: %w", err)
	}
	defer rows.Close()
	var out []*store.StepMetadata
	for rows.Next() {
		var sm store.StepMetadata
		var state string
		var startUTC, endUTC, outputJSON sql.NullString
		var hasRan int
		if err := rows.Scan(&sm.ID, &sm.WorkflowExternalID, &sm.Name, &sm.ExternalID, &startUTC,
			&endUTC, &sm.InputType, &sm.OutputType, &state, &hasRan, &outputJSON); err != nil {
			return nil, fmt.Errorf("scan step metadata: %w", err)
		}
		sm.State = store.StepState(state)
		sm.HasRan = hasRan != 0
		if sm.StartTimeUTC, err = parseNullTime(startUTC); err != nil {
			return nil, err
		}
		if sm.EndTimeUTC, err = parseNullTime(endUTC); err != nil {
			return nil, err
		}
		if outputJSON.Valid {
			sm.OutputJSON = []byte(outputJSON.String)
		}
		out = append(out, &sm)
	}
	return out, rows.Err()
}

func (c *DataContext) InsertLog(ctx context.Context, l *store.Log) error {
	res, err := c.q().ExecContext(ctx, `
		INSERT INTO log (metadata_id, level, message, fields, created_at) VALUES (?,?,?,?,?)`,
		l.MetadataID, l.Level, l.Message, jsonOrNil(l.Fields), timeStr(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	l.ID = id
	return nil
}

func (c *DataContext) DeleteLogsForMetadata(ctx context.Context, metadataIDs []int64) error {
	if len(metadataIDs) == 0 {
		return nil
	}
	placeholders, args := inClauseInt64(metadataIDs)
	_, err := c.q().ExecContext(ctx, `DELETE FROM log WHERE metadata_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete logs: %w", err)
	}
	return nil
}

func (c *DataContext) DeleteStepMetadataForWorkflows(ctx context.Context, workflowExternalIDs []string) error {
	if len(workflowExternalIDs) == 0 {
		return nil
	}
	placeholders, args := inClause(workflowExternalIDs)
	_, err := c.q().ExecContext(ctx, `DELETE FROM step_metadata WHERE workflow_external_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete step metadata: %w", err)
	}
	return nil
}

func (c *DataContext) DeleteMetadata(ctx context.Context, metadataIDs []int64) error {
	if len(metadataIDs) == 0 {
		return nil
	}
	placeholders, args := inClauseInt64(metadataIDs)
	_, err := c.q().ExecContext(ctx, `DELETE FROM metadata WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

func jsonOrNil(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func inClause(vals []string) (string, []any) {
	args := make([]any, len(vals))
	ph := ""
	for i, v := range vals {
		if i > 0 {
			ph += ","
		}
		ph += "?"
		args[i] = v
	}
	return ph, args
}

func inClauseInt64(vals []int64) (string, []any) {
	args := make([]any, len(vals))
	ph := ""
	for i, v := range vals {
		if i > 0 {
			ph += ","
		}
		ph += "?"
		args[i] = v
	}
	return ph, args
}
