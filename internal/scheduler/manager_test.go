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
	"github.com/trestle/engine/pkg/jsonopts"
)

func newTestManager(t *testing.T) (*scheduler.Manager, *scheduler.Service, *sqlite.Factory) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	factory := &sqlite.Factory{DB: db}
	svc := scheduler.NewService(factory, jsonopts.Compact())
	mgr := scheduler.NewManager(factory, nil, time.Second)
	return mgr, svc, factory
}

func TestTickNeverEnqueuesOnDemandManifest(t *testing.T) {
	// OnDemand manifests are never enqueued by the Manager tick; they are
	// only run via an explicit dead-letter retry or bus call.
	mgr, svc, factory := newTestManager(t)
	ctx := context.Background()

	_, err := svc.Schedule(ctx, scheduler.Spec{ExternalID: "m1", WorkflowName: "W", PropertyType: "x", OnDemand: true, IsEnabled: true})
	require.NoError(t, err)

	require.NoError(t, mgr.Tick(ctx))

	dc, err := factory.New(ctx)
	require.NoError(t, err)
	items, err := dc.ListQueuedWorkItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestTickEnqueuesIntervalManifestWithNoPriorRun(t *testing.T) {
	mgr, svc, factory := newTestManager(t)
	ctx := context.Background()

	_, err := svc.Schedule(ctx, scheduler.Spec{ExternalID: "m1", WorkflowName: "W", PropertyType: "x", IntervalSeconds: 60, IsEnabled: true})
	require.NoError(t, err)

	require.NoError(t, mgr.Tick(ctx))

	dc, err := factory.New(ctx)
	require.NoError(t, err)
	items, err := dc.ListQueuedWorkItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "W", items[0].WorkQueue.WorkflowName)
}

func TestTickDoesNotDoubleEnqueueWhileWorkQueueOpen(t *testing.T) {
	mgr, svc, factory := newTestManager(t)
	ctx := context.Background()

	_, err := svc.Schedule(ctx, scheduler.Spec{ExternalID: "m1", WorkflowName: "W", PropertyType: "x", IntervalSeconds: 60, IsEnabled: true})
	require.NoError(t, err)

	require.NoError(t, mgr.Tick(ctx))
	require.NoError(t, mgr.Tick(ctx))

	dc, err := factory.New(ctx)
	require.NoError(t, err)
	items, err := dc.ListQueuedWorkItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestTickDeadLettersManifestAtMaxRetries(t *testing.T) {
	mgr, svc, factory := newTestManager(t)
	ctx := context.Background()

	m, err := svc.Schedule(ctx, scheduler.Spec{ExternalID: "m1", WorkflowName: "W", PropertyType: "x", OnDemand: true, MaxRetries: 1, IsEnabled: true})
	require.NoError(t, err)

	dc, err := factory.New(ctx)
	require.NoError(t, err)
	md := &store.Metadata{
		ExternalID:    "run-1",
		Name:          "W",
		WorkflowState: store.WorkflowFailed,
		StartTime:     time.Now().UTC(),
		ManifestID:    &m.ID,
	}
	require.NoError(t, dc.InsertMetadata(ctx, md))

	require.NoError(t, mgr.Tick(ctx))

	dls, err := dc.ListDeadLetters(ctx, nil)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, store.DeadLetterAwaitingIntervention, dls[0].Status)
}

func TestTickSkipsDisabledManifests(t *testing.T) {
	mgr, svc, factory := newTestManager(t)
	ctx := context.Background()

	_, err := svc.Schedule(ctx, scheduler.Spec{ExternalID: "m1", WorkflowName: "W", PropertyType: "x", IntervalSeconds: 60, IsEnabled: false})
	require.NoError(t, err)

	require.NoError(t, mgr.Tick(ctx))

	dc, err := factory.New(ctx)
	require.NoError(t, err)
	items, err := dc.ListQueuedWorkItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}
