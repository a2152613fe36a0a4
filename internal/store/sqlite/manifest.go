package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trestle/engine/internal/store"
)

const manifestSelect = `SELECT id, external_id, name, full_name, property_type, properties, schedule_type,
	cron_expression, interval_seconds, max_retries, is_enabled, last_successful_run,
	depends_on_manifest_id, manifest_group_id FROM manifest`

func (c *DataContext) InsertManifest(ctx context.Context, m *store.Manifest) error {
	res, err := c.q().ExecContext(ctx, `
		INSERT INTO manifest (external_id, name, full_name, property_type, properties, schedule_type,
			cron_expression, interval_seconds, max_retries, is_enabled, last_successful_run,
			depends_on_manifest_id, manifest_group_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ExternalID, m.Name, m.FullName, m.PropertyType, jsonOrNil(m.Properties), string(m.ScheduleType),
		nullString(m.CronExpression), nullInt64(m.IntervalSeconds), m.MaxRetries, boolToInt(m.IsEnabled),
		nullTimeStr(m.LastSuccessfulRun), nullInt64(m.DependsOnManifestID), m.ManifestGroupID)
	if err != nil {
		return fmt.Errorf("insert manifest: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

func (c *DataContext) GetManifest(ctx context.Context, id int64) (*store.Manifest, error) {
	return scanManifestRow(c.q().QueryRowContext(ctx, manifestSelect+` WHERE id = ?`, id))
}

func (c *DataContext) GetManifestByExternalID(ctx context.Context, externalID string) (*store.Manifest, error) {
	return scanManifestRow(c.q().QueryRowContext(ctx, manifestSelect+` WHERE external_id = ?`, externalID))
}

func (c *DataContext) ListManifests(ctx context.Context) ([]*store.Manifest, error) {
	rows, err := c.q().QueryContext(ctx, manifestSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	defer rows.Close()
	var out []*store.Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *DataContext) UpdateManifestLastSuccessfulRun(ctx context.Context, id int64, at time.Time) error {
	_, err := c.q().ExecContext(ctx, `UPDATE manifest SET last_successful_run = ? WHERE id = ?`, timeStr(at), id)
	if err != nil {
		return fmt.Errorf("update manifest last successful run: %w", err)
	}
	return nil
}

func scanManifestRow(row *sql.Row) (*store.Manifest, error) {
	m, err := scanManifest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func scanManifest(row scanner) (*store.Manifest, error) {
	var m store.Manifest
	var st string
	var properties, cron sql.NullString
	var intervalSeconds, dependsOn sql.NullInt64
	var lastRun sql.NullString
	var isEnabled int
	if err := row.Scan(&m.ID, &m.ExternalID, &m.Name, &m.FullName, &m.PropertyType, &properties, &st,
		&cron, &intervalSeconds, &m.MaxRetries, &isEnabled, &lastRun, &dependsOn, &m.ManifestGroupID); err != nil {
		return nil, fmt.Errorf("scan manifest: %w", err)
	}
	m.ScheduleType = store.ScheduleType(st)
	m.IsEnabled = isEnabled != 0
	if properties.Valid {
		m.Properties = []byte(properties.String)
	}
	if cron.Valid {
		m.CronExpression = &cron.String
	}
	if intervalSeconds.Valid {
		m.IntervalSeconds = &intervalSeconds.Int64
	}
	if dependsOn.Valid {
		m.DependsOnManifestID = &dependsOn.Int64
	}
	lr, err := parseNullTime(lastRun)
	if err != nil {
		return nil, err
	}
	m.LastSuccessfulRun = lr
	return &m, nil
}

func (c *DataContext) ListEnabledManifestsWithRuns(ctx context.Context) ([]*store.ManifestWithRuns, error) {
	rows, err := c.q().QueryContext(ctx, manifestSelect+` WHERE is_enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list enabled manifests: %w", err)
	}
	defer rows.Close()

	var result []*store.ManifestWithRuns
	byID := make(map[int64]*store.ManifestWithRuns)
	var ids []int64
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		mwr := &store.ManifestWithRuns{Manifest: m}
		result = append(result, mwr)
		byID[m.ID] = mwr
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return result, nil
	}

	for _, mwr := range result {
		g, err := c.GetManifestGroup(ctx, mwr.Manifest.ManifestGroupID)
		if err == nil {
			mwr.Group = g
		}
	}

	placeholders, args := inClauseInt64(ids)
	mdRows, err := c.q().QueryContext(ctx, metadataSelect+` WHERE manifest_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("list metadata for manifests: %w", err)
	}
	defer mdRows.Close()
	for mdRows.Next() {
		md, err := scanMetadata(mdRows)
		if err != nil {
			return nil, err
		}
		if md.ManifestID != nil {
			if mwr, ok := byID[*md.ManifestID]; ok {
				mwr.Metadatas = append(mwr.Metadatas, md)
			}
		}
	}
	if err := mdRows.Err(); err != nil {
		return nil, err
	}

	dlRows, err := c.q().QueryContext(ctx, deadLetterSelect+` WHERE manifest_id IN (`+placeholders+`) AND status = 'AwaitingIntervention'`, args...)
	if err != nil {
		return nil, fmt.Errorf("list open dead letters: %w", err)
	}
	defer dlRows.Close()
	for dlRows.Next() {
		dl, err := scanDeadLetter(dlRows)
		if err != nil {
			return nil, err
		}
		if mwr, ok := byID[dl.ManifestID]; ok {
			mwr.OpenDeadLetter = dl
		}
	}
	return result, dlRows.Err()
}

const manifestGroupSelect = `SELECT id, name, max_active_jobs, priority, is_enabled FROM manifest_group`

func scanManifestGroup(row scanner) (*store.ManifestGroup, error) {
	var g store.ManifestGroup
	var maxActive sql.NullInt64
	var isEnabled int
	if err := row.Scan(&g.ID, &g.Name, &maxActive, &g.Priority, &isEnabled); err != nil {
		return nil, fmt.Errorf("scan manifest group: %w", err)
	}
	g.IsEnabled = isEnabled != 0
	if maxActive.Valid {
		g.MaxActiveJobs = &maxActive.Int64
	}
	return &g, nil
}

func (c *DataContext) GetOrCreateManifestGroup(ctx context.Context, name string) (*store.ManifestGroup, error) {
	g, err := scanManifestGroup(c.q().QueryRowContext(ctx, manifestGroupSelect+` WHERE name = ?`, name))
	if err == nil {
		return g, nil
	}
	res, err := c.q().ExecContext(ctx, `INSERT INTO manifest_group (name, priority, is_enabled) VALUES (?, 0, 1)`, name)
	if err != nil {
		return nil, fmt.Errorf("insert manifest group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return c.GetManifestGroup(ctx, id)
}

func (c *DataContext) UpdateManifestGroup(ctx context.Context, g *store.ManifestGroup) error {
	res, err := c.q().ExecContext(ctx, `
		UPDATE manifest_group SET max_active_jobs = ?, priority = ?, is_enabled = ? WHERE id = ?`,
		g.MaxActiveJobs, store.ClampPriority(g.Priority), boolToInt(g.IsEnabled), g.ID)
	if err != nil {
		return fmt.Errorf("update manifest group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *DataContext) GetManifestGroup(ctx context.Context, id int64) (*store.ManifestGroup, error) {
	g, err := scanManifestGroup(c.q().QueryRowContext(ctx, manifestGroupSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, store.ErrNotFound
	}
	return g, nil
}

func (c *DataContext) ListManifestGroups(ctx context.Context) ([]*store.ManifestGroup, error) {
	rows, err := c.q().QueryContext(ctx, manifestGroupSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list manifest groups: %w", err)
	}
	defer rows.Close()
	var out []*store.ManifestGroup
	for rows.Next() {
		g, err := scanManifestGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (c *DataContext) DeleteManifestGroup(ctx context.Context, id int64) error {
	var count int
	if err := c.q().QueryRowContext(ctx, `SELECT count(*) FROM manifest WHERE manifest_group_id = ?`, id).Scan(&count); err != nil {
		return fmt.Errorf("count manifests in group: %w", err)
	}
	if count > 0 {
		return store.ErrGroupInUse
	}
	_, err := c.q().ExecContext(ctx, `DELETE FROM manifest_group WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete manifest group: %w", err)
	}
	return nil
}
