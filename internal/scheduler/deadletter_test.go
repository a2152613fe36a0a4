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

func seedDeadLetter(t *testing.T, dc store.DataContext) (*store.Manifest, *store.DeadLetter) {
	t.Helper()
	ctx := context.Background()
	group, err := dc.GetOrCreateManifestGroup(ctx, "default")
	require.NoError(t, err)
	m := &store.Manifest{
		ExternalID: "m1", Name: "W", PropertyType: "x", Properties: []byte(`{"Name":"Ada"}`),
		ScheduleType: store.ScheduleOnDemand, ManifestGroupID: group.ID, MaxRetries: 3, IsEnabled: true,
	}
	require.NoError(t, dc.InsertManifest(ctx, m))
	dl := &store.DeadLetter{
		ManifestID: m.ID, DeadLetteredAt: time.Now().UTC(), Reason: "too many failures",
		RetryCountAtDeadLetter: 3, Status: store.DeadLetterAwaitingIntervention,
	}
	require.NoError(t, dc.InsertDeadLetter(ctx, dl))
	return m, dl
}

func TestAcknowledgeMarksResolved(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	factory := &sqlite.Factory{DB: db}
	dc, err := factory.New(context.Background())
	require.NoError(t, err)
	_, dl := seedDeadLetter(t, dc)

	svc := scheduler.NewDeadLetters(factory)
	require.NoError(t, svc.Acknowledge(context.Background(), dl.ID, "known issue, ignoring"))

	got, err := dc.GetDeadLetter(context.Background(), dl.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeadLetterAcknowledged, got.Status)
	require.NotNil(t, got.ResolutionNote)
	assert.Equal(t, "known issue, ignoring", *got.ResolutionNote)
}

func TestRetryEnqueuesNewWorkQueueItem(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	factory := &sqlite.Factory{DB: db}
	dc, err := factory.New(context.Background())
	require.NoError(t, err)
	_, dl := seedDeadLetter(t, dc)

	svc := scheduler.NewDeadLetters(factory)
	wq, err := svc.Retry(context.Background(), dl.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, store.WorkQueueQueued, wq.Status)
	assert.JSONEq(t, `{"Name":"Ada"}`, string(wq.Input))

	got, err := dc.GetDeadLetter(context.Background(), dl.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeadLetterRetried, got.Status)
	require.NotNil(t, got.ResolvedAt)

	// The queue row must point at the same Metadata the dead letter records
	// as its retry, so the Dispatcher reuses it rather than minting another.
	require.NotNil(t, wq.MetadataID)
	require.NotNil(t, got.RetryMetadataID)
	assert.Equal(t, *got.RetryMetadataID, *wq.MetadataID)

	retryMeta, err := dc.GetMetadata(context.Background(), *got.RetryMetadataID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowPending, retryMeta.WorkflowState)
}

func TestRetryWithOverrideInputUsesOverride(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	factory := &sqlite.Factory{DB: db}
	dc, err := factory.New(context.Background())
	require.NoError(t, err)
	_, dl := seedDeadLetter(t, dc)

	svc := scheduler.NewDeadLetters(factory)
	wq, err := svc.Retry(context.Background(), dl.ID, []byte(`{"Name":"Grace"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"Name":"Grace"}`, string(wq.Input))
}

func TestListFiltersByStatus(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	factory := &sqlite.Factory{DB: db}
	dc, err := factory.New(context.Background())
	require.NoError(t, err)
	_, dl := seedDeadLetter(t, dc)

	svc := scheduler.NewDeadLetters(factory)
	require.NoError(t, svc.Acknowledge(context.Background(), dl.ID, "resolved"))

	awaiting := store.DeadLetterAwaitingIntervention
	list, err := svc.List(context.Background(), &awaiting)
	require.NoError(t, err)
	assert.Empty(t, list)

	acked := store.DeadLetterAcknowledged
	list, err = svc.List(context.Background(), &acked)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
