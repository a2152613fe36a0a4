package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trestle/engine/internal/store"
	"github.com/trestle/engine/internal/store/sqlite"
)

func newTestDC(t *testing.T) *sqlite.DataContext {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlite.New(db)
}

func seedManifest(t *testing.T, ctx context.Context, dc *sqlite.DataContext, name string) *store.Manifest {
	t.Helper()
	group, err := dc.GetOrCreateManifestGroup(ctx, "default")
	require.NoError(t, err)
	m := &store.Manifest{
		ExternalID:      name + "-ext",
		Name:            name,
		FullName:        "demo." + name,
		PropertyType:    "demo.Input",
		ScheduleType:    store.ScheduleOnDemand,
		IsEnabled:       true,
		ManifestGroupID: group.ID,
	}
	require.NoError(t, dc.InsertManifest(ctx, m))
	return m
}

func TestMetadataInsertAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	dc := newTestDC(t)

	m := &store.Metadata{
		ExternalID:    "run-1",
		Name:          "DemoWorkflow",
		WorkflowState: store.WorkflowPending,
		StartTime:     time.Now(),
		Input:         []byte(`{"x":1}`),
	}
	require.NoError(t, dc.InsertMetadata(ctx, m))
	require.NotZero(t, m.ID)

	got, err := dc.GetMetadata(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, m.ExternalID, got.ExternalID)
	require.Equal(t, store.WorkflowPending, got.WorkflowState)
	require.Equal(t, []byte(`{"x":1}`), got.Input)

	byExt, err := dc.GetMetadataByExternalID(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, m.ID, byExt.ID)

	_, err = dc.GetMetadata(ctx, 99999)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListEnabledManifestsWithRunsAssemblesGroupsAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	dc := newTestDC(t)

	m := seedManifest(t, ctx, dc, "Reconcile")

	md := &store.Metadata{
		ExternalID:    "run-2",
		Name:          m.Name,
		WorkflowState: store.WorkflowFailed,
		StartTime:     time.Now(),
		ManifestID:    &m.ID,
	}
	require.NoError(t, dc.InsertMetadata(ctx, md))

	dl := &store.DeadLetter{
		ManifestID:     m.ID,
		DeadLetteredAt: time.Now(),
		Reason:         "max retries exceeded",
		Status:         store.DeadLetterAwaitingIntervention,
	}
	require.NoError(t, dc.InsertDeadLetter(ctx, dl))

	runs, err := dc.ListEnabledManifestsWithRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, m.ID, runs[0].Manifest.ID)
	require.NotNil(t, runs[0].Group)
	require.Equal(t, "default", runs[0].Group.Name)
	require.Len(t, runs[0].Metadatas, 1)
	require.NotNil(t, runs[0].OpenDeadLetter)
	require.Equal(t, dl.ID, runs[0].OpenDeadLetter.ID)
	require.Equal(t, 1, runs[0].FailedCount())
}

func TestDispatchWorkQueueItemAtomicTriple(t *testing.T) {
	ctx := context.Background()
	dc := newTestDC(t)

	m := seedManifest(t, ctx, dc, "Ingest")
	wq := &store.WorkQueue{
		ExternalID:    "wq-1",
		WorkflowName:  m.Name,
		InputTypeName: m.PropertyType,
		Status:        store.WorkQueueQueued,
		CreatedAt:     time.Now(),
		ManifestID:    &m.ID,
	}
	require.NoError(t, dc.InsertWorkQueue(ctx, wq))

	metadata := &store.Metadata{
		ExternalID:    "wq-1-run",
		Name:          m.Name,
		WorkflowState: store.WorkflowInProgress,
		StartTime:     time.Now(),
		ManifestID:    &m.ID,
	}
	job := &store.BackgroundJob{InputType: m.PropertyType, CreatedAt: time.Now()}

	require.NoError(t, dc.DispatchWorkQueueItem(ctx, wq, metadata, job))
	require.NotZero(t, metadata.ID)
	require.Equal(t, metadata.ID, job.MetadataID)
	require.NotZero(t, job.ID)
	require.Equal(t, store.WorkQueueDispatched, wq.Status)
	require.NotNil(t, wq.DispatchedAt)
	require.NotNil(t, wq.MetadataID)

	// A second dispatch attempt against the now-Dispatched row must conflict.
	metadata2 := &store.Metadata{ExternalID: "wq-1-run-2", Name: m.Name, WorkflowState: store.WorkflowPending, StartTime: time.Now()}
	job2 := &store.BackgroundJob{CreatedAt: time.Now()}
	err := dc.DispatchWorkQueueItem(ctx, wq, metadata2, job2)
	require.ErrorIs(t, err, store.ErrDispatchConflict)
}

func TestClaimBackgroundJobRespectsVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	dc := newTestDC(t)

	md := &store.Metadata{ExternalID: "job-run", Name: "DemoWorkflow", WorkflowState: store.WorkflowInProgress, StartTime: time.Now()}
	require.NoError(t, dc.InsertMetadata(ctx, md))

	job := &store.BackgroundJob{MetadataID: md.ID, InputType: "demo.Input", CreatedAt: time.Now()}
	require.NoError(t, dc.InsertBackgroundJob(ctx, job))

	claimed, err := dc.ClaimBackgroundJob(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)
	require.NotNil(t, claimed.FetchedAt)

	// Freshly claimed, still within the visibility window: not claimable again.
	_, err = dc.ClaimBackgroundJob(ctx, time.Minute)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Once the visibility window has elapsed relative to fetched_at, it becomes claimable again.
	claimedAgain, err := dc.ClaimBackgroundJob(ctx, -time.Minute)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimedAgain.ID)
}

func TestGroupCapacitiesComputesTighterOfGroupAndGlobalMax(t *testing.T) {
	ctx := context.Background()
	dc := newTestDC(t)

	m := seedManifest(t, ctx, dc, "Capacity")
	for i := 0; i < 2; i++ {
		md := &store.Metadata{
			ExternalID:    "cap-run-" + string(rune('a'+i)),
			Name:          m.Name,
			WorkflowState: store.WorkflowInProgress,
			StartTime:     time.Now(),
			ManifestID:    &m.ID,
		}
		require.NoError(t, dc.InsertMetadata(ctx, md))
	}

	globalMax := int64(5)
	caps, err := dc.GroupCapacities(ctx, &globalMax)
	require.NoError(t, err)
	cap := caps[m.ManifestGroupID]
	require.NotNil(t, cap)
	require.Equal(t, 2, cap.ActiveCount)
	require.NotNil(t, cap.MaxActiveJobs)
	require.Equal(t, int64(5), *cap.MaxActiveJobs) // group has no explicit max, global wins
}

func TestUpdateManifestGroupPersistsCapsAndPriority(t *testing.T) {
	ctx := context.Background()
	dc := newTestDC(t)

	group, err := dc.GetOrCreateManifestGroup(ctx, "tuned")
	require.NoError(t, err)

	three := int64(3)
	group.MaxActiveJobs = &three
	group.Priority = 99 // clamped on write
	group.IsEnabled = false
	require.NoError(t, dc.UpdateManifestGroup(ctx, group))

	fetched, err := dc.GetManifestGroup(ctx, group.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched.MaxActiveJobs)
	require.Equal(t, int64(3), *fetched.MaxActiveJobs)
	require.Equal(t, 31, fetched.Priority)
	require.False(t, fetched.IsEnabled)

	missing := &store.ManifestGroup{ID: 9999, Name: "ghost"}
	require.ErrorIs(t, dc.UpdateManifestGroup(ctx, missing), store.ErrNotFound)
}

func TestRetryDeadLetterCreatesNewMetadataAndWorkQueue(t *testing.T) {
	ctx := context.Background()
	dc := newTestDC(t)

	m := seedManifest(t, ctx, dc, "Flaky")
	dl := &store.DeadLetter{
		ManifestID:     m.ID,
		DeadLetteredAt: time.Now(),
		Reason:         "boom",
		Status:         store.DeadLetterAwaitingIntervention,
	}
	require.NoError(t, dc.InsertDeadLetter(ctx, dl))

	wq, err := dc.RetryDeadLetter(ctx, dl.ID, m, []byte(`{}`), time.Now())
	require.NoError(t, err)
	require.Equal(t, store.WorkQueueQueued, wq.Status)

	refreshed, err := dc.GetDeadLetter(ctx, dl.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeadLetterRetried, refreshed.Status)
	require.NotNil(t, refreshed.RetryMetadataID)
	require.NotNil(t, wq.MetadataID)
	require.Equal(t, *refreshed.RetryMetadataID, *wq.MetadataID)

	// Retrying an already-retried dead letter is a no-op conflict, not a new retry.
	_, err = dc.RetryDeadLetter(ctx, dl.ID, m, []byte(`{}`), time.Now())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveChangesDispatchesTrackedModelsByType(t *testing.T) {
	ctx := context.Background()
	dc := newTestDC(t)

	m := &store.Metadata{ExternalID: "tracked-1", Name: "DemoWorkflow", WorkflowState: store.WorkflowInProgress, StartTime: time.Now()}
	dc.Track(m)
	require.NoError(t, dc.SaveChanges(ctx))
	require.NotZero(t, m.ID)

	l := &store.Log{MetadataID: m.ID, Level: "info", Message: "started", CreatedAt: time.Now()}
	dc.Track(l)
	require.NoError(t, dc.SaveChanges(ctx))
	require.NotZero(t, l.ID)
}

func TestBeginTransactionCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	dc := newTestDC(t)

	tx, err := dc.BeginTransaction(ctx, store.ReadCommitted)
	require.NoError(t, err)
	m := &store.Metadata{ExternalID: "tx-1", Name: "DemoWorkflow", WorkflowState: store.WorkflowPending, StartTime: time.Now()}
	require.NoError(t, dc.InsertMetadata(ctx, m))
	require.NoError(t, tx.Commit(ctx))

	_, err = dc.GetMetadata(ctx, m.ID)
	require.NoError(t, err)

	tx2, err := dc.BeginTransaction(ctx, store.ReadCommitted)
	require.NoError(t, err)
	m2 := &store.Metadata{ExternalID: "tx-2", Name: "DemoWorkflow", WorkflowState: store.WorkflowPending, StartTime: time.Now()}
	require.NoError(t, dc.InsertMetadata(ctx, m2))
	require.NoError(t, tx2.Rollback(ctx))

	_, err = dc.GetMetadataByExternalID(ctx, "tx-2")
	require.ErrorIs(t, err, store.ErrNotFound)
}
