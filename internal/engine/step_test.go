package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle/engine/internal/engine"
)

func TestRailwayStepPropagatesPriorFailure(t *testing.T) {
	prior := engine.Fail[int](&engine.ExceptionData{Step: "earlier"})
	result, err := engine.RailwayStep[int, int](context.Background(), addOne{}, prior, engine.New("wf"))
	require.NoError(t, err)
	assert.True(t, result.IsFailure())
	assert.Equal(t, "earlier", result.Err.Step)
}

func TestRailwayStepPropagatesBottom(t *testing.T) {
	prior := engine.Bottom[int]()
	result, err := engine.RailwayStep[int, int](context.Background(), addOne{}, prior, engine.New("wf"))
	require.NoError(t, err)
	assert.Equal(t, engine.TrackBottom, result.Track)
}

func TestRailwayStepCapturesNonCancellationError(t *testing.T) {
	result, err := engine.RailwayStep[int, int](context.Background(), boom{}, engine.Ok(1), engine.New("wf"))
	require.NoError(t, err)
	require.True(t, result.IsFailure())
	assert.Equal(t, "boom", result.Err.Step)
	assert.Equal(t, "kaboom", result.Err.Message)
}

func TestRailwayStepSuccess(t *testing.T) {
	result, err := engine.RailwayStep[int, int](context.Background(), addOne{}, engine.Ok(1), engine.New("wf"))
	require.NoError(t, err)
	require.True(t, result.IsOk())
	assert.Equal(t, 2, result.Value)
}
