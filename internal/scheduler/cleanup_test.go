package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle/engine/internal/scheduler"
	"github.com/trestle/engine/internal/store"
	"github.com/trestle/engine/internal/store/sqlite"
)

func seedOldCompletedRun(t *testing.T, dc store.DataContext, name string, startedAt time.Time) *store.Metadata {
	t.Helper()
	ctx := context.Background()
	md := &store.Metadata{
		ExternalID:    name + "-run",
		Name:          name,
		WorkflowState: store.WorkflowCompleted,
		StartTime:     startedAt,
	}
	end := startedAt.Add(time.Minute)
	md.EndTime = &end
	require.NoError(t, dc.InsertMetadata(ctx, md))
	require.NoError(t, dc.InsertStepMetadata(ctx, &store.StepMetadata{
		WorkflowExternalID: md.ExternalID, Name: "Step1", ExternalID: "s1", HasRan: true, State: store.StepRight,
	}))
	require.NoError(t, dc.InsertLog(ctx, &store.Log{MetadataID: md.ID, Level: "info", Message: "done", CreatedAt: startedAt}))
	return md
}

func TestCleanupTickDeletesOldWhitelistedRuns(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	factory := &sqlite.Factory{DB: db}
	dc, err := factory.New(context.Background())
	require.NoError(t, err)

	old := time.Now().UTC().Add(-48 * time.Hour)
	seedOldCompletedRun(t, dc, "W", old)

	c := scheduler.NewCleanup(factory, nil, time.Second, scheduler.CleanupConfig{
		WorkflowNames: []string{"W"},
		Retention:     24 * time.Hour,
	})
	require.NoError(t, c.Tick(context.Background()))

	remaining, err := dc.ListMetadataForCleanup(context.Background(), []string{"W"}, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestCleanupTickLeavesRunsWithinRetention(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	factory := &sqlite.Factory{DB: db}
	dc, err := factory.New(context.Background())
	require.NoError(t, err)

	recent := time.Now().UTC().Add(-time.Minute)
	seedOldCompletedRun(t, dc, "W", recent)

	c := scheduler.NewCleanup(factory, nil, time.Second, scheduler.CleanupConfig{
		WorkflowNames: []string{"W"},
		Retention:     24 * time.Hour,
	})
	require.NoError(t, c.Tick(context.Background()))

	remaining, err := dc.ListMetadataForCleanup(context.Background(), []string{"W"}, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestCleanupTickIgnoresNonWhitelistedWorkflows(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	factory := &sqlite.Factory{DB: db}
	dc, err := factory.New(context.Background())
	require.NoError(t, err)

	old := time.Now().UTC().Add(-48 * time.Hour)
	seedOldCompletedRun(t, dc, "NotWhitelisted", old)

	c := scheduler.NewCleanup(factory, nil, time.Second, scheduler.CleanupConfig{
		WorkflowNames: []string{"W"},
		Retention:     24 * time.Hour,
	})
	require.NoError(t, c.Tick(context.Background()))

	remaining, err := dc.ListMetadataForCleanup(context.Background(), []string{"NotWhitelisted"}, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
