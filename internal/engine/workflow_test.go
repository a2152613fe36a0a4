package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle/engine/internal/engine"
)

type addOne struct{}

func (addOne) Run(_ context.Context, in int) (int, error) {
	return in + 1, nil
}

type double struct{}

func (double) Run(_ context.Context, in int) (int, error) {
	return in * 2, nil
}

type boom struct{}

func (boom) Run(_ context.Context, _ int) (int, error) {
	return 0, errors.New("kaboom")
}

type cancels struct{}

func (cancels) Run(ctx context.Context, _ int) (int, error) {
	return 0, context.Canceled
}

func TestChainHappyPath(t *testing.T) {
	wf := engine.New("increment-double")
	engine.Activate(wf, 1)
	engine.Chain[addOne, int, int](wf, context.Background(), addOne{})
	engine.Chain[double, int, int](wf, context.Background(), double{})

	out, err := engine.Run[int](wf, context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, out)
}

func TestChainCapturesFailure(t *testing.T) {
	wf := engine.New("failing")
	engine.Activate(wf, 1)
	engine.Chain[boom, int, int](wf, context.Background(), boom{})
	engine.Chain[addOne, int, int](wf, context.Background(), addOne{})

	_, err := engine.Run[int](wf, context.Background())
	require.Error(t, err)
	var exc *engine.ExceptionData
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, "boom", exc.Step)
}

func TestChainSkipsAfterFailure(t *testing.T) {
	wf := engine.New("skip-after-failure")
	engine.Activate(wf, 1)
	engine.Chain[boom, int, int](wf, context.Background(), boom{})
	result, err := engine.RunEither[int](wf, context.Background())
	require.NoError(t, err)
	assert.True(t, result.IsFailure())
}

func TestRailwayStepRethrowsCancellation(t *testing.T) {
	wf := engine.New("cancelled")
	engine.Activate(wf, 1)
	engine.Chain[cancels, int, int](wf, context.Background(), cancels{})

	_, err := engine.Run[int](wf, context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRailwayStepChecksContextBeforeRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.RailwayStep[int, int](ctx, addOne{}, engine.Ok(1), engine.New("pre-cancelled"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, engine.TrackRight, result.Track) // zero Result, untouched
}

func TestShortCircuitDiscardsSuccessValue(t *testing.T) {
	wf := engine.New("short-circuit")
	engine.Activate(wf, 1)
	engine.ShortCircuit[addOne, int, int](wf, context.Background(), addOne{})

	// memory still holds the original int(1), not addOne's output (2),
	// since ShortCircuit never stores a successful value back.
	out, err := engine.ExtractFrom[int](wf)
	require.NoError(t, err)
	assert.Equal(t, 1, out)
}

type greeter interface {
	Run(ctx context.Context, in string) (string, error)
}

type greeterImpl struct{ prefix string }

func (g greeterImpl) Run(_ context.Context, in string) (string, error) {
	return g.prefix + in, nil
}

func TestIChainResolvesFromServices(t *testing.T) {
	wf := engine.New("ichain")
	engine.Activate(wf, "world")
	engine.AddServices(wf, greeterImpl{prefix: "hello "})
	engine.IChain[greeter](wf, context.Background())

	out, err := engine.Run[string](wf, context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestIChainMissingServiceIsStructural(t *testing.T) {
	wf := engine.New("ichain-missing")
	engine.Activate(wf, "world")
	engine.IChain[greeter](wf, context.Background())

	_, err := engine.Run[string](wf, context.Background())
	require.Error(t, err)
	var werr *engine.WorkflowError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, engine.ErrServiceNotBound, werr.Code)
}

func TestExtractMissingTypeReturnsWorkflowError(t *testing.T) {
	wf := engine.New("missing-extract")
	engine.Activate(wf, "not an int")

	_, err := engine.ExtractFrom[int](wf)
	require.Error(t, err)
	var werr *engine.WorkflowError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, engine.ErrMissingMemoryKey, werr.Code)
}
