// Package bus implements the workflow bus and registry:
// input-type->workflow routing for dynamic dispatch and dependent-workflow
// invocation, plus the Metadata lifecycle bookkeeping ("created Pending ->
// InProgress at start -> terminal on completion") that every workflow
// invocation goes through regardless of how it was triggered.
package bus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/trestle/engine/internal/engine"
	"github.com/trestle/engine/internal/store"
	"github.com/trestle/engine/pkg/jsonopts"
)

// Handler is the non-generic boundary each concrete workflow registers with
// the bus. Go cannot hold a slice of differently-parameterized
// engine.Workflow[TIn,TOut] types, so explicit
// (inputType, handler) registration stands in for reflection-driven
// assembly scanning.
type Handler interface {
	// Name is the workflow's registered name, stored on Metadata.Name.
	Name() string
	// InputType is the handler's sole accepted input type, used as the
	// registry key.
	InputType() reflect.Type
	// Execute runs the workflow body. The caller (Bus) owns Metadata
	// lifecycle transitions around this call; Execute only returns the
	// typed-erased result or error.
	Execute(ctx context.Context, input any) (any, error)
}

// Registry maps input type to a single Handler. Two workflows cannot
// declare the same input type.
type Registry struct {
	byInput map[reflect.Type]Handler
	byName  map[string]Handler
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byInput: make(map[reflect.Type]Handler), byName: make(map[string]Handler)}
}

// Register adds h to the registry. Returns a *engine.WorkflowError
// (ErrDuplicateMapping) if another handler already claims h's input type.
func (r *Registry) Register(h Handler) error {
	t := h.InputType()
	if existing, ok := r.byInput[t]; ok {
		return engine.NewWorkflowError(engine.ErrDuplicateMapping,
			"input type %s already mapped to workflow %q (registering %q)", t, existing.Name(), h.Name())
	}
	r.byInput[t] = h
	r.byName[h.Name()] = h
	return nil
}

func (r *Registry) lookupByInput(input any) (Handler, error) {
	t := reflect.TypeOf(input)
	h, ok := r.byInput[t]
	if !ok {
		return nil, engine.NewWorkflowError(engine.ErrUnmappableInput, "no workflow registered for input type %s", t)
	}
	return h, nil
}

// LookupByName resolves a handler by its registered Name, used by the
// Executor workflow, which runs a manifest by its Manifest.Name (the target
// workflow's name) rather than by a live input value's type.
func (r *Registry) LookupByName(name string) (Handler, error) {
	h, ok := r.byName[name]
	if !ok {
		return nil, engine.NewWorkflowError(engine.ErrUnmappableInput, "no workflow registered with name %q", name)
	}
	return h, nil
}

// Bus is the runtime dispatch surface: RunAsync, InitializeWorkflow.
type Bus struct {
	registry *Registry
	factory  store.Factory
	opts     jsonopts.Options
}

// New builds a Bus backed by registry and factory, serializing Metadata
// Input/Output with opts.
func New(registry *Registry, factory store.Factory, opts jsonopts.Options) *Bus {
	return &Bus{registry: registry, factory: factory, opts: opts}
}

// InitializeWorkflow resolves the handler for input's runtime type and
// persists a Pending Metadata row without executing the workflow.
func (b *Bus) InitializeWorkflow(ctx context.Context, input any) (*store.Metadata, error) {
	h, err := b.registry.lookupByInput(input)
	if err != nil {
		return nil, err
	}
	dc, err := b.factory.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("bus: acquire data context: %w", err)
	}
	defer dc.Close(ctx)

	meta, err := b.newMetadata(h, input, nil)
	if err != nil {
		return nil, err
	}
	if err := dc.InsertMetadata(ctx, meta); err != nil {
		return nil, fmt.Errorf("bus: persist metadata: %w", err)
	}
	return meta, nil
}

// RunAsync is the untyped counterpart of the generic RunAsync: resolve the
// workflow by input's runtime type, run it to completion (Metadata
// lifecycle managed by the bus), and return its typed-erased result.
func (b *Bus) RunAsync(ctx context.Context, input any, parent *store.Metadata) (any, error) {
	h, err := b.registry.lookupByInput(input)
	if err != nil {
		return nil, err
	}
	return b.run(ctx, h, input, parent)
}

// RunAsync is the typed entry point: resolves by input's runtime type,
// executes, and asserts the result to TOut.
func RunAsync[TOut any](ctx context.Context, b *Bus, input any, parent *store.Metadata) (TOut, error) {
	var zero TOut
	out, err := b.RunAsync(ctx, input, parent)
	if err != nil {
		return zero, err
	}
	typed, ok := out.(TOut)
	if !ok {
		return zero, engine.NewWorkflowError(engine.ErrUnmappableInput, "workflow result %T does not assert to %T", out, zero)
	}
	return typed, nil
}

// RunByName executes the handler registered under name directly, bypassing
// input-type lookup. Used by the Executor workflow, which passes
// Manifest.Name as name; Manifest.PropertyType only selects the Go type the
// stored properties are decoded into.
func (b *Bus) RunByName(ctx context.Context, name string, input any, parent *store.Metadata) (any, error) {
	h, err := b.registry.LookupByName(name)
	if err != nil {
		return nil, err
	}
	return b.run(ctx, h, input, parent)
}

func (b *Bus) run(ctx context.Context, h Handler, input any, parent *store.Metadata) (any, error) {
	dc, err := b.factory.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("bus: acquire data context: %w", err)
	}
	defer dc.Close(ctx)

	meta, err := b.newMetadata(h, input, parent)
	if err != nil {
		return nil, err
	}
	if err := dc.InsertMetadata(ctx, meta); err != nil {
		return nil, fmt.Errorf("bus: persist metadata: %w", err)
	}

	meta.WorkflowState = store.WorkflowInProgress
	if err := dc.UpdateMetadata(ctx, meta); err != nil {
		return nil, fmt.Errorf("bus: mark in progress: %w", err)
	}

	out, runErr := b.safeExecute(ctx, h, input)

	end := time.Now().UTC()
	meta.EndTime = &end
	if runErr != nil {
		if isCancellation(runErr) {
			// Cancellation is never folded into Metadata.WorkflowState=Failed
			// bookkeeping; it propagates unwrapped and the
			// Metadata row is left InProgress for the caller/operator to
			// reconcile (matching a process that was asked to stop, not one
			// that failed).
			return nil, runErr
		}
		meta.WorkflowState = store.WorkflowFailed
		step, msg, stack := failureDetails(runErr)
		meta.FailureStep = &step
		exc := fmt.Sprintf("%T", runErr)
		meta.FailureException = &exc
		meta.FailureReason = &msg
		meta.StackTrace = &stack
		if err := dc.UpdateMetadata(ctx, meta); err != nil {
			return nil, fmt.Errorf("bus: mark failed: %w", err)
		}
		return nil, runErr
	}

	meta.WorkflowState = store.WorkflowCompleted
	if outJSON, err := jsonopts.Marshal(out, b.opts); err == nil {
		meta.Output = outJSON
	}
	if err := dc.UpdateMetadata(ctx, meta); err != nil {
		return nil, fmt.Errorf("bus: mark completed: %w", err)
	}
	return out, nil
}

// safeExecute recovers a panicking Execute implementation into an error so
// a single misbehaving workflow cannot crash the Manager/Dispatcher/
// TaskServer process it's running in.
func (b *Bus) safeExecute(ctx context.Context, h Handler, input any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &engine.ExceptionData{
				Type:       "panic",
				Step:       h.Name(),
				Message:    fmt.Sprintf("%v", r),
				StackTrace: string(debug.Stack()),
			}
		}
	}()
	return h.Execute(ctx, input)
}

func (b *Bus) newMetadata(h Handler, input any, parent *store.Metadata) (*store.Metadata, error) {
	inputJSON, err := jsonopts.Marshal(input, b.opts)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal input: %w", err)
	}
	m := &store.Metadata{
		ExternalID:    uuid.NewString(),
		Name:          h.Name(),
		WorkflowState: store.WorkflowPending,
		StartTime:     time.Now().UTC(),
		Input:         inputJSON,
	}
	if parent != nil {
		m.ParentID = &parent.ID
	}
	return m, nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func failureDetails(err error) (step, message, stack string) {
	var ed *engine.ExceptionData
	if errors.As(err, &ed) {
		return ed.Step, ed.Message, ed.StackTrace
	}
	return "", err.Error(), ""
}
