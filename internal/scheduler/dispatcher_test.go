package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle/engine/internal/scheduler"
	"github.com/trestle/engine/internal/store"
	"github.com/trestle/engine/internal/store/sqlite"
)

func newTestDispatcher(t *testing.T, globalMax *int64) (*scheduler.Dispatcher, *sqlite.Factory) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	factory := &sqlite.Factory{DB: db}
	return scheduler.NewDispatcher(factory, nil, time.Second, globalMax), factory
}

func insertQueued(t *testing.T, dc store.DataContext, name string, priority int, createdAt time.Time) *store.WorkQueue {
	t.Helper()
	wq := &store.WorkQueue{
		ExternalID:    uuid.NewString(),
		WorkflowName:  name,
		Input:         []byte(`{}`),
		InputTypeName: "x",
		Status:        store.WorkQueueQueued,
		CreatedAt:     createdAt,
		Priority:      priority,
	}
	require.NoError(t, dc.InsertWorkQueue(context.Background(), wq))
	return wq
}

func TestTickDispatchesQueuedItemIntoMetadataAndBackgroundJob(t *testing.T) {
	d, factory := newTestDispatcher(t, nil)
	ctx := context.Background()
	dc, err := factory.New(ctx)
	require.NoError(t, err)

	insertQueued(t, dc, "W", 0, time.Now().UTC())

	require.NoError(t, d.Tick(ctx))

	remaining, err := dc.ListQueuedWorkItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	job, err := dc.ClaimBackgroundJob(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	md, err := dc.GetMetadata(ctx, job.MetadataID)
	require.NoError(t, err)
	assert.Equal(t, "W", md.Name)
	assert.Equal(t, store.WorkflowPending, md.WorkflowState)
}

func TestTickReusesPreCreatedMetadata(t *testing.T) {
	d, factory := newTestDispatcher(t, nil)
	ctx := context.Background()
	dc, err := factory.New(ctx)
	require.NoError(t, err)

	group, err := dc.GetOrCreateManifestGroup(ctx, "default")
	require.NoError(t, err)
	manifest := &store.Manifest{
		ExternalID: "retry-manifest", Name: "W", PropertyType: "x",
		ScheduleType: store.ScheduleOnDemand, ManifestGroupID: group.ID, IsEnabled: true,
	}
	require.NoError(t, dc.InsertManifest(ctx, manifest))

	// A dead-letter retry pre-creates the Metadata and points the queue
	// row at it; the tick must dispatch that row, not mint a second one.
	md := &store.Metadata{
		ExternalID: "retry-run", Name: "W", WorkflowState: store.WorkflowPending,
		StartTime: time.Now().UTC(), ManifestID: &manifest.ID,
	}
	require.NoError(t, dc.InsertMetadata(ctx, md))

	wq := &store.WorkQueue{
		ExternalID: "retry-wq", WorkflowName: "W", Input: []byte(`{}`), InputTypeName: "x",
		Status: store.WorkQueueQueued, CreatedAt: time.Now().UTC(),
		ManifestID: &manifest.ID, MetadataID: &md.ID,
	}
	require.NoError(t, dc.InsertWorkQueue(ctx, wq))

	require.NoError(t, d.Tick(ctx))

	all, err := dc.ListMetadata(ctx, store.MetadataFilter{WorkflowName: "W"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, md.ID, all[0].ID)

	job, err := dc.ClaimBackgroundJob(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, md.ID, job.MetadataID)
}

func TestTickOrdersByPriorityDescendingThenFIFO(t *testing.T) {
	d, factory := newTestDispatcher(t, nil)
	ctx := context.Background()
	dc, err := factory.New(ctx)
	require.NoError(t, err)

	now := time.Now().UTC()
	insertQueued(t, dc, "Low", 1, now)
	insertQueued(t, dc, "High", 10, now.Add(time.Second))

	require.NoError(t, d.Tick(ctx))

	first, err := dc.ClaimBackgroundJob(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	md, err := dc.GetMetadata(ctx, first.MetadataID)
	require.NoError(t, err)
	assert.Equal(t, "High", md.Name, "higher priority item dispatches (and is thus claimable) first")
}

func TestTickRespectsZeroCapacityGroup(t *testing.T) {
	d, factory := newTestDispatcher(t, nil)
	ctx := context.Background()
	dc, err := factory.New(ctx)
	require.NoError(t, err)

	group, err := dc.GetOrCreateManifestGroup(ctx, "capped")
	require.NoError(t, err)
	zero := int64(0)
	group.MaxActiveJobs = &zero
	require.NoError(t, dc.UpdateManifestGroup(ctx, group))

	manifest := &store.Manifest{
		ExternalID: "capped-manifest", Name: "W", PropertyType: "x",
		ScheduleType: store.ScheduleOnDemand, ManifestGroupID: group.ID, IsEnabled: true,
	}
	require.NoError(t, dc.InsertManifest(ctx, manifest))

	wq := insertQueued(t, dc, "W", 0, time.Now().UTC())
	wq.ManifestID = &manifest.ID
	_, err = factory.DB.ExecContext(ctx, `UPDATE work_queue SET manifest_id = ? WHERE id = ?`, manifest.ID, wq.ID)
	require.NoError(t, err)

	require.NoError(t, d.Tick(ctx))

	remaining, err := dc.ListQueuedWorkItems(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 1, "a group capped at zero active jobs must never dispatch")
}
