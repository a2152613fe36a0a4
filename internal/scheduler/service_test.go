package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle/engine/internal/scheduler"
	"github.com/trestle/engine/internal/store"
	"github.com/trestle/engine/internal/store/sqlite"
	"github.com/trestle/engine/pkg/jsonopts"
)

type greetInput struct{ Name string }

func newTestService(t *testing.T) (*scheduler.Service, *sqlite.Factory) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	factory := &sqlite.Factory{DB: db}
	return scheduler.NewService(factory, jsonopts.Compact()), factory
}

func TestScheduleCreatesCronManifestInDefaultGroup(t *testing.T) {
	s, factory := newTestService(t)
	ctx := context.Background()

	m, err := s.Schedule(ctx, scheduler.Spec{
		ExternalID:   "nightly-report",
		WorkflowName: "ReportWorkflow",
		PropertyType: "greetInput",
		Input:        greetInput{Name: "Ada"},
		Cron:         "0 2 * * *",
		MaxRetries:   3,
		IsEnabled:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleCron, m.ScheduleType)
	require.NotNil(t, m.CronExpression)
	assert.Equal(t, "0 2 * * *", *m.CronExpression)

	dc, err := factory.New(ctx)
	require.NoError(t, err)
	defer dc.Close(ctx)
	group, err := dc.GetManifestGroup(ctx, m.ManifestGroupID)
	require.NoError(t, err)
	assert.Equal(t, "default", group.Name)
}

func TestScheduleReusesExistingGroup(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	a, err := s.Schedule(ctx, scheduler.Spec{WorkflowName: "A", PropertyType: "x", Group: "reports", OnDemand: true})
	require.NoError(t, err)
	b, err := s.Schedule(ctx, scheduler.Spec{WorkflowName: "B", PropertyType: "x", Group: "reports", OnDemand: true})
	require.NoError(t, err)

	assert.Equal(t, a.ManifestGroupID, b.ManifestGroupID)
}

func TestSchedulePriorityRaisesGroupPriority(t *testing.T) {
	s, factory := newTestService(t)
	ctx := context.Background()

	m, err := s.Schedule(ctx, scheduler.Spec{
		WorkflowName: "Urgent", PropertyType: "x", Group: "hot", Priority: 40, OnDemand: true,
	})
	require.NoError(t, err)

	dc, err := factory.New(ctx)
	require.NoError(t, err)
	defer dc.Close(ctx)
	group, err := dc.GetManifestGroup(ctx, m.ManifestGroupID)
	require.NoError(t, err)
	assert.Equal(t, 31, group.Priority) // clamped to the upper bound
}

func TestScheduleManyCreatesAllManifests(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	created, err := s.ScheduleMany(ctx, []scheduler.Spec{
		{WorkflowName: "A", PropertyType: "x", OnDemand: true},
		{WorkflowName: "B", PropertyType: "x", IntervalSeconds: 60},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, store.ScheduleOnDemand, created[0].ScheduleType)
	assert.Equal(t, store.ScheduleInterval, created[1].ScheduleType)
}

func TestThenIncludeCreatesDependentManifest(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	parent, err := s.Schedule(ctx, scheduler.Spec{ExternalID: "parent", WorkflowName: "Parent", PropertyType: "x", OnDemand: true})
	require.NoError(t, err)

	child, err := s.ThenInclude(ctx, parent.ExternalID, scheduler.Spec{ExternalID: "child", WorkflowName: "Child", PropertyType: "x"})
	require.NoError(t, err)

	assert.Equal(t, store.ScheduleDependent, child.ScheduleType)
	require.NotNil(t, child.DependsOnManifestID)
	assert.Equal(t, parent.ID, *child.DependsOnManifestID)
}

func TestThenIncludeRejectsDuplicateExternalID(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	a, err := s.Schedule(ctx, scheduler.Spec{ExternalID: "a", WorkflowName: "A", PropertyType: "x", OnDemand: true})
	require.NoError(t, err)

	_, err = s.ThenInclude(ctx, a.ExternalID, scheduler.Spec{ExternalID: "a", WorkflowName: "A", PropertyType: "x"})
	assert.Error(t, err)
}
