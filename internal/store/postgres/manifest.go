package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trestle/engine/internal/store"
)

const manifestSelect = `SELECT id, external_id, name, full_name, property_type, properties, schedule_type,
	cron_expression, interval_seconds, max_retries, is_enabled, last_successful_run,
	depends_on_manifest_id, manifest_group_id FROM manifest`

func (c *DataContext) InsertManifest(ctx context.Context, m *store.Manifest) error {
	row := c.q().QueryRow(ctx, `
		INSERT INTO manifest (external_id, name, full_name, property_type, properties, schedule_type,
			cron_expression, interval_seconds, max_retries, is_enabled, last_successful_run,
			depends_on_manifest_id, manifest_group_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`,
		m.ExternalID, m.Name, m.FullName, m.PropertyType, m.Properties, string(m.ScheduleType),
		m.CronExpression, m.IntervalSeconds, m.MaxRetries, m.IsEnabled, m.LastSuccessfulRun,
		m.DependsOnManifestID, m.ManifestGroupID)
	if err := row.Scan(&m.ID); err != nil {
		return fmt.Errorf("insert manifest: %w", err)
	}
	return nil
}

func (c *DataContext) GetManifest(ctx context.Context, id int64) (*store.Manifest, error) {
	return scanManifest(c.q().QueryRow(ctx, manifestSelect+` WHERE id = $1`, id))
}

func (c *DataContext) GetManifestByExternalID(ctx context.Context, externalID string) (*store.Manifest, error) {
	return scanManifest(c.q().QueryRow(ctx, manifestSelect+` WHERE external_id = $1`, externalID))
}

func (c *DataContext) ListManifests(ctx context.Context) ([]*store.Manifest, error) {
	rows, err := c.q().Query(ctx, manifestSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	defer rows.Close()
	var out []*store.Manifest
	for rows.Next() {
		m, err := scanManifestRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *DataContext) UpdateManifestLastSuccessfulRun(ctx context.Context, id int64, at time.Time) error {
	_, err := c.q().Exec(ctx, `UPDATE manifest SET last_successful_run = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("update manifest last successful run: %w", err)
	}
	return nil
}

func scanManifest(row pgx.Row) (*store.Manifest, error) {
	m, err := scanManifestRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func scanManifestRow(row rowScanner) (*store.Manifest, error) {
	var m store.Manifest
	var st string
	if err := row.Scan(&m.ID, &m.ExternalID, &m.Name, &m.FullName, &m.PropertyType, &m.Properties, &st,
		&m.CronExpression, &m.IntervalSeconds, &m.MaxRetries, &m.IsEnabled, &m.LastSuccessfulRun,
		&m.DependsOnManifestID, &m.ManifestGroupID); err != nil {
		return nil, fmt.Errorf("scan manifest: %w", err)
	}
	m.ScheduleType = store.ScheduleType(st)
	return &m, nil
}

// ListEnabledManifestsWithRuns loads every enabled manifest with its group,
// its Metadata rows, and any open DeadLetter, in a bounded number of
// queries, per the Manifest Manager's single-load-per-tick rule.
func (c *DataContext) ListEnabledManifestsWithRuns(ctx context.Context) ([]*store.ManifestWithRuns, error) {
	manifests, err := c.q().Query(ctx, manifestSelect+` WHERE is_enabled = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list enabled manifests: %w", err)
	}
	defer manifests.Close()

	var result []*store.ManifestWithRuns
	byID := make(map[int64]*store.ManifestWithRuns)
	var ids []int64
	for manifests.Next() {
		m, err := scanManifestRow(manifests)
		if err != nil {
			return nil, err
		}
		mwr := &store.ManifestWithRuns{Manifest: m}
		result = append(result, mwr)
		byID[m.ID] = mwr
		ids = append(ids, m.ID)
	}
	if err := manifests.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return result, nil
	}

	groupIDs := make(map[int64]bool)
	for _, mwr := range result {
		groupIDs[mwr.Manifest.ManifestGroupID] = true
	}
	gIDs := make([]int64, 0, len(groupIDs))
	for id := range groupIDs {
		gIDs = append(gIDs, id)
	}
	groups, err := c.listManifestGroupsByIDs(ctx, gIDs)
	if err != nil {
		return nil, err
	}
	for _, mwr := range result {
		mwr.Group = groups[mwr.Manifest.ManifestGroupID]
	}

	mdRows, err := c.q().Query(ctx, metadataSelect+` WHERE manifest_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("list metadata for manifests: %w", err)
	}
	defer mdRows.Close()
	for mdRows.Next() {
		md, err := scanMetadataRows(mdRows)
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

	dlRows, err := c.q().Query(ctx, deadLetterSelect+` WHERE manifest_id = ANY($1) AND status = 'AwaitingIntervention'`, ids)
	if err != nil {
		return nil, fmt.Errorf("list open dead letters: %w", err)
	}
	defer dlRows.Close()
	for dlRows.Next() {
		dl, err := scanDeadLetterRow(dlRows)
		if err != nil {
			return nil, err
		}
		if mwr, ok := byID[dl.ManifestID]; ok {
			mwr.OpenDeadLetter = dl
		}
	}
	return result, dlRows.Err()
}

func (c *DataContext) listManifestGroupsByIDs(ctx context.Context, ids []int64) (map[int64]*store.ManifestGroup, error) {
	rows, err := c.q().Query(ctx, manifestGroupSelect+` WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("list manifest groups: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]*store.ManifestGroup)
	for rows.Next() {
		g, err := scanManifestGroupRow(rows)
		if err != nil {
			return nil, err
		}
		out[g.ID] = g
	}
	return out, rows.Err()
}

const manifestGroupSelect = `SELECT id, name, max_active_jobs, priority, is_enabled FROM manifest_group`

func scanManifestGroupRow(row rowScanner) (*store.ManifestGroup, error) {
	var g store.ManifestGroup
	if err := row.Scan(&g.ID, &g.Name, &g.MaxActiveJobs, &g.Priority, &g.IsEnabled); err != nil {
		return nil, fmt.Errorf("scan manifest group: %w", err)
	}
	return &g, nil
}

func (c *DataContext) GetOrCreateManifestGroup(ctx context.Context, name string) (*store.ManifestGroup, error) {
	row := c.q().QueryRow(ctx, manifestGroupSelect+` WHERE name = $1`, name)
	g, err := scanManifestGroupRow(row)
	if err == nil {
		return g, nil
	}
	row = c.q().QueryRow(ctx, `
		INSERT INTO manifest_group (name, priority, is_enabled) VALUES ($1, 0, TRUE)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, max_active_jobs, priority, is_enabled`, name)
	return scanManifestGroupRow(row)
}

func (c *DataContext) UpdateManifestGroup(ctx context.Context, g *store.ManifestGroup) error {
	tag, err := c.q().Exec(ctx, `
		UPDATE manifest_group SET max_active_jobs = $1, priority = $2, is_enabled = $3 WHERE id = $4`,
		g.MaxActiveJobs, store.ClampPriority(g.Priority), g.IsEnabled, g.ID)
	if err != nil {
		return fmt.Errorf("update manifest group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *DataContext) GetManifestGroup(ctx context.Context, id int64) (*store.ManifestGroup, error) {
	row := c.q().QueryRow(ctx, manifestGroupSelect+` WHERE id = $1`, id)
	g, err := scanManifestGroupRow(row)
	if err != nil {
		return nil, store.ErrNotFound
	}
	return g, nil
}

func (c *DataContext) ListManifestGroups(ctx context.Context) ([]*store.ManifestGroup, error) {
	rows, err := c.q().Query(ctx, manifestGroupSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list manifest groups: %w", err)
	}
	defer rows.Close()
	var out []*store.ManifestGroup
	for rows.Next() {
		g, err := scanManifestGroupRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (c *DataContext) DeleteManifestGroup(ctx context.Context, id int64) error {
	var count int
	if err := c.q().QueryRow(ctx, `SELECT count(*) FROM manifest WHERE manifest_group_id = $1`, id).Scan(&count); err != nil {
		return fmt.Errorf("count manifests in group: %w", err)
	}
	if count > 0 {
		return store.ErrGroupInUse
	}
	_, err := c.q().Exec(ctx, `DELETE FROM manifest_group WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete manifest group: %w", err)
	}
	return nil
}
