package stepeffect_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle/engine/internal/engine"
	"github.com/trestle/engine/internal/engine/stepeffect"
	"github.com/trestle/engine/internal/store"
	"github.com/trestle/engine/internal/store/sqlite"
	"github.com/trestle/engine/pkg/jsonopts"
)

func TestProgressProviderRecordsSteps(t *testing.T) {
	wf := engine.New("wf")
	p := stepeffect.NewProgressProvider()
	step := engine.StepInfo{Name: "Step1", InputType: "int", OutputType: "int"}
	p.BeforeStep(context.Background(), wf, step)
	p.AfterStep(context.Background(), wf, step, engine.TrackRight, 2, time.Now())

	steps := p.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, "Step1", steps[0].Step)
	assert.Equal(t, engine.TrackRight, steps[0].Track)
}

func TestRunnerDispatchesBeforeAndAfter(t *testing.T) {
	wf := engine.New("wf")
	runner, err := stepeffect.NewRunner(context.Background(), []stepeffect.ProviderFactory{stepeffect.ProgressProviderFactory{}})
	require.NoError(t, err)

	step := engine.StepInfo{Name: "Step1"}
	runner.BeforeStep(context.Background(), wf, step)
	runner.AfterStep(context.Background(), wf, step, engine.TrackRight, nil)
}

func TestLoggingProviderDoesNotPanic(t *testing.T) {
	p := stepeffect.NewLoggingProvider(slog.Default(), slog.LevelDebug, jsonopts.Pretty(), true)
	wf := engine.New("wf")
	step := engine.StepInfo{Name: "Step1", InputType: "int", OutputType: "string"}
	assert.NotPanics(t, func() {
		p.BeforeStep(context.Background(), wf, step)
		p.AfterStep(context.Background(), wf, step, engine.TrackRight, "out", time.Now())
	})
}

func TestMetadataProviderPersistsStepRows(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	factory := &sqlite.Factory{DB: db}
	ctx := context.Background()

	wf := engine.New("wf", engine.WithExternalID("run-1"))
	p := stepeffect.NewMetadataProvider(factory, jsonopts.Compact(), true, nil)

	ran := engine.StepInfo{Name: "AddOne", InputType: "int", OutputType: "int"}
	started := time.Now().Add(-50 * time.Millisecond)
	p.AfterStep(ctx, wf, ran, engine.TrackRight, 2, started)

	skipped := engine.StepInfo{Name: "Double", InputType: "int", OutputType: "int"}
	p.AfterStep(ctx, wf, skipped, engine.TrackBottom, nil, started)

	dc, err := factory.New(ctx)
	require.NoError(t, err)
	defer dc.Close(ctx)

	rows, err := dc.ListStepMetadataForWorkflow(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "AddOne", rows[0].Name)
	assert.Equal(t, store.StepRight, rows[0].State)
	assert.True(t, rows[0].HasRan)
	require.NotNil(t, rows[0].StartTimeUTC)
	require.NotNil(t, rows[0].EndTimeUTC)
	assert.JSONEq(t, `2`, string(rows[0].OutputJSON))

	assert.Equal(t, "Double", rows[1].Name)
	assert.Equal(t, store.StepBottom, rows[1].State)
	assert.False(t, rows[1].HasRan)
	assert.Nil(t, rows[1].StartTimeUTC)
}
