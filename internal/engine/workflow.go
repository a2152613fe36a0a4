package engine

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EffectRunner fans work out to the providers tracking a workflow run's
// side effects (data context changes, JSON snapshots, parameter captures).
// Concrete implementations live in the effect subpackage; engine only needs
// the interface so workflow.go can stay free of a dependency on it.
type EffectRunner interface {
	Track(instance any)
	SaveChanges(ctx context.Context) error
	Dispose(ctx context.Context) error
}

// StepInfo identifies a step crossing the before/after hook boundary:
// its name plus the declared input/output type names, so providers can
// persist or log a step record without reflecting on the step themselves.
type StepInfo struct {
	Name       string
	InputType  string
	OutputType string
}

// StepEffectRunner fans before/after-step hooks out to logging, metadata
// and progress providers. Concrete implementations live in the stepeffect
// subpackage. output carries the step's result value on the success rail
// and is nil otherwise.
type StepEffectRunner interface {
	BeforeStep(ctx context.Context, wf *Workflow, step StepInfo)
	AfterStep(ctx context.Context, wf *Workflow, step StepInfo, track Track, output any)
}

type noopEffectRunner struct{}

func (noopEffectRunner) Track(any)                         {}
func (noopEffectRunner) SaveChanges(context.Context) error { return nil }
func (noopEffectRunner) Dispose(context.Context) error     { return nil }

type noopStepEffectRunner struct{}

func (noopStepEffectRunner) BeforeStep(context.Context, *Workflow, StepInfo)            {}
func (noopStepEffectRunner) AfterStep(context.Context, *Workflow, StepInfo, Track, any) {}

// Workflow is the non-generic carrier that Chain, ShortCircuit and IChain
// operate on. Go cannot express generic methods, so the composition
// operators below are free functions taking *Workflow as their first
// argument rather than methods on a generic Workflow[T].
type Workflow struct {
	mu sync.Mutex

	ExternalID string
	Name       string
	StartedAt  time.Time

	memory   *Memory
	services *ServiceContainer

	effects     EffectRunner
	stepEffects StepEffectRunner

	failed        bool
	failure       *ExceptionData
	cancelled     bool
	cancelErr     error
	structuralErr error
}

// Option configures a Workflow at construction time.
type Option func(*Workflow)

// WithEffects attaches an EffectRunner, replacing the no-op default.
func WithEffects(r EffectRunner) Option {
	return func(w *Workflow) { w.effects = r }
}

// WithStepEffects attaches a StepEffectRunner, replacing the no-op default.
func WithStepEffects(r StepEffectRunner) Option {
	return func(w *Workflow) { w.stepEffects = r }
}

// WithExternalID overrides the generated external id.
func WithExternalID(id string) Option {
	return func(w *Workflow) { w.ExternalID = id }
}

// New constructs an empty Workflow ready for Activate, with a generated
// ExternalID unless WithExternalID overrides it.
func New(name string, opts ...Option) *Workflow {
	w := &Workflow{
		Name:        name,
		ExternalID:  uuid.NewString(),
		StartedAt:   time.Now(),
		memory:      NewMemory(),
		services:    NewServiceContainer(),
		effects:     noopEffectRunner{},
		stepEffects: noopStepEffectRunner{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Activate seeds memory with the workflow's input. A Tuple input is
// flattened so each element is addressable by its own type.
func Activate(wf *Workflow, input any) *Workflow {
	wf.memory.Set(input)
	return wf
}

// AddServices registers svc for later resolution by IChain.
func AddServices(wf *Workflow, svc any) *Workflow {
	wf.services.Add(svc)
	return wf
}

// ExtractFrom retrieves a typed value of T from the workflow's memory.
func ExtractFrom[T any](wf *Workflow) (T, error) {
	return Extract[T](wf.memory)
}

// Resolve retrieves the workflow's final result value of type T from memory.
func Resolve[T any](wf *Workflow) (T, error) {
	return ExtractFrom[T](wf)
}

func (wf *Workflow) halted() bool {
	return wf.failed || wf.cancelled || wf.structuralErr != nil
}

func (wf *Workflow) notifyBefore(ctx context.Context, step StepInfo) {
	if wf.stepEffects != nil {
		wf.stepEffects.BeforeStep(ctx, wf, step)
	}
}

func (wf *Workflow) notifyAfter(ctx context.Context, step StepInfo, track Track, output any) {
	if wf.stepEffects != nil {
		wf.stepEffects.AfterStep(ctx, wf, step, track, output)
	}
}

// typeName renders T's runtime type name for StepInfo.
func typeName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

// Chain runs step against the TIn currently in memory, storing its TOut
// back into memory on success. If the workflow has already failed,
// cancelled, or hit a structural error, the step is skipped and a Bottom
// tag is recorded via the step-effect hooks.
func Chain[TStep Step[TIn, TOut], TIn, TOut any](wf *Workflow, ctx context.Context, step TStep) *Workflow {
	info := StepInfo{Name: stepName(step), InputType: typeName[TIn](), OutputType: typeName[TOut]()}
	wf.notifyBefore(ctx, info)

	previous, ok := previousResult[TIn](wf)
	if !ok {
		wf.notifyAfter(ctx, info, TrackBottom, nil)
		return wf
	}

	result, cancelErr := RailwayStep[TIn, TOut](ctx, step, previous, wf)
	if cancelErr != nil {
		wf.mu.Lock()
		wf.cancelled = true
		wf.cancelErr = cancelErr
		wf.mu.Unlock()
		wf.notifyAfter(ctx, info, TrackBottom, nil)
		return wf
	}

	var output any
	switch result.Track {
	case TrackRight:
		wf.memory.Set(result.Value)
		output = result.Value
	case TrackLeft:
		wf.mu.Lock()
		wf.failed = true
		wf.failure = result.Err
		wf.mu.Unlock()
	}
	wf.notifyAfter(ctx, info, result.Track, output)
	return wf
}

// ShortCircuit behaves like Chain but discards the step's success value:
// only a failure affects subsequent steps. Useful for validation steps
// whose output carries no onward information.
func ShortCircuit[TStep Step[TIn, TOut], TIn, TOut any](wf *Workflow, ctx context.Context, step TStep) *Workflow {
	info := StepInfo{Name: stepName(step), InputType: typeName[TIn](), OutputType: typeName[TOut]()}
	wf.notifyBefore(ctx, info)

	previous, ok := previousResult[TIn](wf)
	if !ok {
		wf.notifyAfter(ctx, info, TrackBottom, nil)
		return wf
	}

	result, cancelErr := RailwayStep[TIn, TOut](ctx, step, previous, wf)
	if cancelErr != nil {
		wf.mu.Lock()
		wf.cancelled = true
		wf.cancelErr = cancelErr
		wf.mu.Unlock()
		wf.notifyAfter(ctx, info, TrackBottom, nil)
		return wf
	}

	var output any
	if result.Track == TrackLeft {
		wf.mu.Lock()
		wf.failed = true
		wf.failure = result.Err
		wf.mu.Unlock()
	} else if result.Track == TrackRight {
		output = result.Value
	}
	wf.notifyAfter(ctx, info, result.Track, output)
	return wf
}

// previousResult builds the incoming Result[TIn] for the next step: Bottom
// if the workflow already halted, otherwise the memory value wrapped as Ok.
// The second return is false when a structural lookup failure occurred,
// in which case the caller should stop without invoking the step at all.
func previousResult[TIn any](wf *Workflow) (Result[TIn], bool) {
	if wf.halted() {
		return Bottom[TIn](), true
	}
	in, err := ExtractFrom[TIn](wf)
	if err != nil {
		wf.mu.Lock()
		wf.structuralErr = err
		wf.mu.Unlock()
		return Result[TIn]{}, false
	}
	return Ok(in), true
}

// IChain resolves an implementation of TInterface from the workflow's
// service container and invokes its Run method, using reflection against
// the interface's method signature to discover TIn/TOut since Go cannot
// parameterize a method by both an interface type and its associated
// input/output types at the call site.
func IChain[TInterface any](wf *Workflow, ctx context.Context) *Workflow {
	ifaceType := reflect.TypeOf((*TInterface)(nil)).Elem()
	info := StepInfo{Name: ifaceType.Name()}
	runMethod, hasRun := ifaceType.MethodByName("Run")
	if hasRun && runMethod.Type.NumIn() == 2 && runMethod.Type.NumOut() == 2 {
		info.InputType = runMethod.Type.In(1).String()
		info.OutputType = runMethod.Type.Out(0).String()
	}
	wf.notifyBefore(ctx, info)

	if wf.halted() {
		wf.notifyAfter(ctx, info, TrackBottom, nil)
		return wf
	}

	if info.InputType == "" {
		wf.mu.Lock()
		wf.structuralErr = NewWorkflowError(ErrUnmappableInput, "interface %s has no Run(context.Context, TIn) (TOut, error) method", ifaceType)
		wf.mu.Unlock()
		wf.notifyAfter(ctx, info, TrackBottom, nil)
		return wf
	}

	svc, ok := wf.services.ResolveInterface(ifaceType)
	if !ok {
		wf.mu.Lock()
		wf.structuralErr = NewWorkflowError(ErrServiceNotBound, "no service bound to interface %s", ifaceType)
		wf.mu.Unlock()
		wf.notifyAfter(ctx, info, TrackBottom, nil)
		return wf
	}

	inType := runMethod.Type.In(1)
	inVal, found := wf.memory.GetType(inType)
	if !found {
		wf.mu.Lock()
		wf.structuralErr = NewWorkflowError(ErrMissingMemoryKey, "no value of type %s in memory for %s", inType, ifaceType)
		wf.mu.Unlock()
		wf.notifyAfter(ctx, info, TrackBottom, nil)
		return wf
	}

	method := reflect.ValueOf(svc).MethodByName("Run")
	results := method.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(inVal)})
	outVal, errVal := results[0], results[1]

	if !errVal.IsNil() {
		err, _ := errVal.Interface().(error)
		if isCancellation(err) {
			wf.mu.Lock()
			wf.cancelled = true
			wf.cancelErr = err
			wf.mu.Unlock()
			wf.notifyAfter(ctx, info, TrackBottom, nil)
			return wf
		}
		wf.mu.Lock()
		wf.failed = true
		wf.failure = &ExceptionData{
			Type:               "service_error",
			Step:               info.Name,
			Message:            err.Error(),
			WorkflowName:       wf.Name,
			WorkflowExternalID: wf.ExternalID,
		}
		wf.mu.Unlock()
		wf.notifyAfter(ctx, info, TrackLeft, nil)
		return wf
	}

	out := outVal.Interface()
	wf.memory.Set(out)
	wf.notifyAfter(ctx, info, TrackRight, out)
	return wf
}

// Run collapses the workflow's terminal state into a single (value, error)
// pair: a structural error or a rethrown cancellation take priority over a
// captured step failure, matching the contract that cancellations and
// structural violations are never folded into the two-track sum.
func Run[T any](wf *Workflow, ctx context.Context) (T, error) {
	var zero T
	defer func() {
		_ = wf.effects.Dispose(ctx)
	}()
	if wf.structuralErr != nil {
		return zero, wf.structuralErr
	}
	if wf.cancelled {
		return zero, wf.cancelErr
	}
	if wf.failed {
		return zero, wf.failure
	}
	if err := wf.effects.SaveChanges(ctx); err != nil {
		return zero, err
	}
	return ExtractFrom[T](wf)
}

// RunEither returns the workflow's terminal Result without collapsing a
// captured failure into a Go error. A structural error or cancellation is
// still returned out-of-band via the second return value, since those are
// never part of the two-track sum.
func RunEither[T any](wf *Workflow, ctx context.Context) (Result[T], error) {
	defer func() {
		_ = wf.effects.Dispose(ctx)
	}()
	if wf.structuralErr != nil {
		return Result[T]{}, wf.structuralErr
	}
	if wf.cancelled {
		return Result[T]{}, wf.cancelErr
	}
	if wf.failed {
		return Fail[T](wf.failure), nil
	}
	if err := wf.effects.SaveChanges(ctx); err != nil {
		return Result[T]{}, err
	}
	v, err := ExtractFrom[T](wf)
	if err != nil {
		return Result[T]{}, err
	}
	return Ok(v), nil
}
