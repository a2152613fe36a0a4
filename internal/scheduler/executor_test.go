package scheduler_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle/engine/internal/bus"
	"github.com/trestle/engine/internal/scheduler"
	"github.com/trestle/engine/internal/store"
	"github.com/trestle/engine/internal/store/sqlite"
	"github.com/trestle/engine/pkg/jsonopts"
)

type reportInput struct{ Name string }

type reportHandler struct{}

func (reportHandler) Name() string            { return "ReportWorkflow" }
func (reportHandler) InputType() reflect.Type { return reflect.TypeOf(reportInput{}) }
func (reportHandler) Execute(ctx context.Context, input any) (any, error) {
	in := input.(reportInput)
	return "report for " + in.Name, nil
}

func newTestExecutor(t *testing.T) (*scheduler.Executor, *sqlite.Factory, *store.Manifest) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	factory := &sqlite.Factory{DB: db}
	dc, err := factory.New(context.Background())
	require.NoError(t, err)

	registry := bus.NewRegistry()
	require.NoError(t, registry.Register(reportHandler{}))
	b := bus.New(registry, factory, jsonopts.Compact())

	execRegistry := scheduler.NewRegistry()
	execRegistry.RegisterInputType("reportInput", reportInput{})

	group, err := dc.GetOrCreateManifestGroup(context.Background(), "default")
	require.NoError(t, err)
	manifest := &store.Manifest{
		ExternalID: "m1", Name: "ReportWorkflow", PropertyType: "reportInput",
		Properties: []byte(`{"Name":"Ada"}`), ScheduleType: store.ScheduleOnDemand,
		ManifestGroupID: group.ID, IsEnabled: true,
	}
	require.NoError(t, dc.InsertManifest(context.Background(), manifest))

	return scheduler.NewExecutor(factory, b, execRegistry), factory, manifest
}

func TestExecutorRunsTargetWorkflowAndRecordsSuccess(t *testing.T) {
	executor, factory, manifest := newTestExecutor(t)
	ctx := context.Background()
	dc, err := factory.New(ctx)
	require.NoError(t, err)

	md := &store.Metadata{
		ExternalID: "exec-1", Name: executor.Name(), WorkflowState: store.WorkflowPending,
		StartTime: time.Now().UTC(), ManifestID: &manifest.ID,
	}
	require.NoError(t, dc.InsertMetadata(ctx, md))

	out, err := executor.Execute(ctx, scheduler.ExecuteManifestRequest{MetadataID: md.ID})
	require.NoError(t, err)
	assert.Equal(t, "report for Ada", out)

	refreshed, err := dc.GetManifest(ctx, manifest.ID)
	require.NoError(t, err)
	require.NotNil(t, refreshed.LastSuccessfulRun)
}

func TestExecutorPersistsStepMetadataPerStep(t *testing.T) {
	executor, factory, manifest := newTestExecutor(t)
	ctx := context.Background()
	dc, err := factory.New(ctx)
	require.NoError(t, err)

	md := &store.Metadata{
		ExternalID: "exec-steps", Name: executor.Name(), WorkflowState: store.WorkflowPending,
		StartTime: time.Now().UTC(), ManifestID: &manifest.ID,
	}
	require.NoError(t, dc.InsertMetadata(ctx, md))

	_, err = executor.Execute(ctx, scheduler.ExecuteManifestRequest{MetadataID: md.ID})
	require.NoError(t, err)

	steps, err := dc.ListStepMetadataForWorkflow(ctx, md.ExternalID)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name)
		assert.Equal(t, store.StepRight, s.State)
		assert.True(t, s.HasRan)
	}
	assert.Equal(t, []string{"loadManifestRunStep", "executeScheduledStep", "updateManifestSuccessStep", "saveDatabaseChangesStep"}, names)

	// The log line tracked during ExecuteScheduled was flushed by the
	// SaveDatabaseChanges step.
	var logged int
	require.NoError(t, factory.DB.QueryRowContext(ctx, `SELECT count(*) FROM log WHERE metadata_id = ?`, md.ID).Scan(&logged))
	assert.Equal(t, 1, logged)
}

func TestExecutorRejectsMetadataWithoutManifest(t *testing.T) {
	executor, factory, _ := newTestExecutor(t)
	ctx := context.Background()
	dc, err := factory.New(ctx)
	require.NoError(t, err)

	md := &store.Metadata{ExternalID: "exec-2", Name: executor.Name(), WorkflowState: store.WorkflowPending, StartTime: time.Now().UTC()}
	require.NoError(t, dc.InsertMetadata(ctx, md))

	_, err = executor.Execute(ctx, scheduler.ExecuteManifestRequest{MetadataID: md.ID})
	assert.Error(t, err)
}
