package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
)

// Step is a single typed transformation TIn -> TOut. User code implements
// Run; RailwayStep is the harness that wraps it onto the two-track pipeline.
type Step[TIn, TOut any] interface {
	Run(ctx context.Context, in TIn) (TOut, error)
}

// StepFunc adapts a plain function to the Step interface, for steps that
// don't need their own type.
type StepFunc[TIn, TOut any] func(ctx context.Context, in TIn) (TOut, error)

// Run implements Step.
func (f StepFunc[TIn, TOut]) Run(ctx context.Context, in TIn) (TOut, error) {
	return f(ctx, in)
}

// stepName returns a readable name for a step value, unwrapping pointers.
func stepName(step any) string {
	t := reflect.TypeOf(step)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	return t.Name()
}

// RailwayStep is the two-track harness around Run:
//
//  1. If previous is a failure or bottom, the step is skipped and the tag is
//     propagated unchanged.
//  2. Otherwise cancellation is checked before invoking Run.
//  3. A cancellation from ctx or from Run is returned as a plain Go error
//     (never wrapped into ExceptionData) so the caller can rethrow it
//     unwrapped; any other error from Run is captured into ExceptionData and
//     returned as a TrackLeft Result.
//  4. On success, TOut is wrapped as TrackRight.
func RailwayStep[TIn, TOut any](ctx context.Context, step Step[TIn, TOut], previous Result[TIn], wf *Workflow) (Result[TOut], error) {
	switch previous.Track {
	case TrackLeft:
		return Fail[TOut](previous.Err), nil
	case TrackBottom:
		return Bottom[TOut](), nil
	}

	if err := ctx.Err(); err != nil {
		return Result[TOut]{}, err
	}

	out, err := step.Run(ctx, previous.Value)
	if err != nil {
		if isCancellation(err) {
			return Result[TOut]{}, err
		}
		return Fail[TOut](&ExceptionData{
			Type:               fmt.Sprintf("%T", err),
			Step:               stepName(step),
			Message:            err.Error(),
			WorkflowName:       wf.Name,
			WorkflowExternalID: wf.ExternalID,
			StackTrace:         string(debug.Stack()),
		}), nil
	}

	return Ok(out), nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
