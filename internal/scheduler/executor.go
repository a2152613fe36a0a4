package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/trestle/engine/internal/bus"
	"github.com/trestle/engine/internal/engine"
	"github.com/trestle/engine/internal/engine/effect"
	"github.com/trestle/engine/internal/engine/stepeffect"
	"github.com/trestle/engine/internal/store"
	"github.com/trestle/engine/pkg/jsonopts"
)

// ExecuteManifestRequest is the Executor workflow's sole input:
// a reference to the Metadata row a BackgroundJob claimed, rather than a
// live domain value, since the real target workflow and its input type are
// only known once the Manifest behind that Metadata has been loaded.
type ExecuteManifestRequest struct {
	MetadataID int64
}

// Registry is the minimal surface Executor needs to turn a Manifest's
// PropertyType string into a concrete Go value to pass into bus.RunByName.
// Concrete workflows register their input's zero value once at startup.
type Registry struct {
	byPropertyType map[string]reflect.Type
}

// NewRegistry builds an empty property-type Registry.
func NewRegistry() *Registry {
	return &Registry{byPropertyType: make(map[string]reflect.Type)}
}

// RegisterInputType associates propertyType (Manifest.PropertyType) with the
// Go type new Manifest.Properties should be unmarshaled into.
func (r *Registry) RegisterInputType(propertyType string, sample any) {
	r.byPropertyType[propertyType] = reflect.TypeOf(sample)
}

func (r *Registry) resolve(propertyType string) (reflect.Type, error) {
	t, ok := r.byPropertyType[propertyType]
	if !ok {
		return nil, fmt.Errorf("executor: no input type registered for property type %q", propertyType)
	}
	return t, nil
}

// Executor is the bus.Handler that the task server runs for every claimed
// BackgroundJob: it loads the Metadata + Manifest the job points at,
// deserializes the Manifest's stored properties into the target workflow's
// declared input type, and runs that workflow through the same Bus every
// directly-invoked workflow uses, so a scheduled run gets identical
// bookkeeping to an ad-hoc RunAsync call. Its own four steps run as an
// engine.Workflow chain, with the effect and step-effect runners observing
// every step.
type Executor struct {
	factory  store.Factory
	bus      *bus.Bus
	registry *Registry

	log               *slog.Logger
	stepOpts          jsonopts.Options
	serializeStepData bool
}

// NewExecutor builds an Executor workflow.
func NewExecutor(factory store.Factory, b *bus.Bus, registry *Registry) *Executor {
	return &Executor{
		factory:           factory,
		bus:               b,
		registry:          registry,
		log:               slog.Default(),
		stepOpts:          jsonopts.Pretty(),
		serializeStepData: true,
	}
}

// WithObservability overrides the logger, the JSON options used for step
// snapshots, and whether step outputs are serialized into StepMetadata and
// step logs. Returns e for chaining.
func (e *Executor) WithObservability(log *slog.Logger, stepOpts jsonopts.Options, serializeStepData bool) *Executor {
	if log != nil {
		e.log = log
	}
	e.stepOpts = stepOpts
	e.serializeStepData = serializeStepData
	return e
}

// Name satisfies bus.Handler.
func (e *Executor) Name() string { return "Executor" }

// InputType satisfies bus.Handler.
func (e *Executor) InputType() reflect.Type {
	return reflect.TypeOf(ExecuteManifestRequest{})
}

// manifestRun is the loaded state the remaining steps operate on.
type manifestRun struct {
	metadata *store.Metadata
	manifest *store.Manifest
}

// scheduledResult carries the target workflow's output alongside the run.
type scheduledResult struct {
	metadata *store.Metadata
	manifest *store.Manifest
	output   any
}

// successRecorded marks the manifest's LastSuccessfulRun as persisted.
type successRecorded struct {
	output any
}

// executionResult is the executor chain's terminal value.
type executionResult struct {
	output any
}

// loadManifestRunStep fetches the Metadata row the claimed job points at,
// with its Manifest. Either one missing fails the run immediately.
type loadManifestRunStep struct {
	dc store.DataContext
	wf *engine.Workflow
}

func (s loadManifestRunStep) Run(ctx context.Context, req ExecuteManifestRequest) (manifestRun, error) {
	meta, err := s.dc.GetMetadata(ctx, req.MetadataID)
	if err != nil {
		return manifestRun{}, fmt.Errorf("load metadata %d: %w", req.MetadataID, err)
	}
	if meta.ManifestID == nil {
		return manifestRun{}, engine.NewWorkflowError(engine.ErrMissingDependency, "metadata %d has no manifest", req.MetadataID)
	}
	manifest, err := s.dc.GetManifest(ctx, *meta.ManifestID)
	if err != nil {
		return manifestRun{}, fmt.Errorf("load manifest %d: %w", *meta.ManifestID, err)
	}
	// Adopt the Metadata row's ExternalID so the StepMetadata rows the
	// step-effect runner writes from here on join against it.
	s.wf.ExternalID = meta.ExternalID
	return manifestRun{metadata: meta, manifest: manifest}, nil
}

// executeScheduledStep resolves the input type registered for the
// manifest's PropertyType, deserializes the stored properties into it, and
// runs the workflow registered under the manifest's Name through the bus
// (RunByName) with the claimed Metadata as parent.
type executeScheduledStep struct {
	bus      *bus.Bus
	registry *Registry
	effects  engine.EffectRunner
}

func (s executeScheduledStep) Run(ctx context.Context, run manifestRun) (scheduledResult, error) {
	t, err := s.registry.resolve(run.manifest.PropertyType)
	if err != nil {
		return scheduledResult{}, err
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(run.manifest.Properties, ptr.Interface()); err != nil {
		return scheduledResult{}, fmt.Errorf("deserialize manifest %q properties: %w", run.manifest.ExternalID, err)
	}

	out, err := s.bus.RunByName(ctx, run.manifest.Name, ptr.Elem().Interface(), run.metadata)
	if err != nil {
		return scheduledResult{}, fmt.Errorf("run scheduled workflow %q: %w", run.manifest.Name, err)
	}

	s.effects.Track(&store.Log{
		MetadataID: run.metadata.ID,
		Level:      "info",
		Message:    fmt.Sprintf("scheduled workflow %q completed", run.manifest.Name),
		CreatedAt:  time.Now().UTC(),
	})
	return scheduledResult{metadata: run.metadata, manifest: run.manifest, output: out}, nil
}

// updateManifestSuccessStep records the manifest's successful run time.
type updateManifestSuccessStep struct {
	dc store.DataContext
}

func (s updateManifestSuccessStep) Run(ctx context.Context, run scheduledResult) (successRecorded, error) {
	now := time.Now().UTC()
	if err := s.dc.UpdateManifestLastSuccessfulRun(ctx, run.manifest.ID, now); err != nil {
		return successRecorded{}, fmt.Errorf("record successful run: %w", err)
	}
	run.manifest.LastSuccessfulRun = &now
	return successRecorded{output: run.output}, nil
}

// saveDatabaseChangesStep is the explicit commit point: it flushes every
// model the effect providers tracked during the run.
type saveDatabaseChangesStep struct {
	effects engine.EffectRunner
}

func (s saveDatabaseChangesStep) Run(ctx context.Context, run successRecorded) (executionResult, error) {
	if err := s.effects.SaveChanges(ctx); err != nil {
		return executionResult{}, fmt.Errorf("save changes: %w", err)
	}
	return executionResult{output: run.output}, nil
}

// Execute runs the executor's four steps as an engine.Workflow chain:
// load the Metadata, run the scheduled workflow, record the manifest's
// success, commit. The effect runner scopes a DataContext to the run and
// the step-effect runner persists a StepMetadata row per step.
func (e *Executor) Execute(ctx context.Context, input any) (any, error) {
	req, ok := input.(ExecuteManifestRequest)
	if !ok {
		return nil, fmt.Errorf("executor: unexpected input type %T", input)
	}

	dc, err := e.factory.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("executor: acquire data context: %w", err)
	}

	stepEffects, err := stepeffect.NewRunner(ctx, []stepeffect.ProviderFactory{
		&stepeffect.MetadataProviderFactory{Factory: e.factory, Options: e.stepOpts, SerializeOutput: e.serializeStepData, Log: e.log},
		&stepeffect.LoggingProviderFactory{Log: e.log, Level: slog.LevelDebug, Options: e.stepOpts, SerializeOutput: e.serializeStepData},
		stepeffect.TracingProviderFactory{},
	})
	if err != nil {
		dc.Close(ctx) //nolint:errcheck
		return nil, fmt.Errorf("executor: build step effects: %w", err)
	}

	effects := effect.NewRunnerWith(e.log,
		effect.NewParameterProvider(jsonopts.Compact()),
		effect.NewDataContextProvider(dc),
	)

	wf := engine.New(e.Name(), engine.WithEffects(effects), engine.WithStepEffects(stepEffects))
	engine.Activate(wf, req)
	engine.Chain[loadManifestRunStep, ExecuteManifestRequest, manifestRun](wf, ctx, loadManifestRunStep{dc: dc, wf: wf})
	engine.Chain[executeScheduledStep, manifestRun, scheduledResult](wf, ctx, executeScheduledStep{bus: e.bus, registry: e.registry, effects: effects})
	engine.Chain[updateManifestSuccessStep, scheduledResult, successRecorded](wf, ctx, updateManifestSuccessStep{dc: dc})
	engine.Chain[saveDatabaseChangesStep, successRecorded, executionResult](wf, ctx, saveDatabaseChangesStep{effects: effects})

	out, err := engine.Run[executionResult](wf, ctx)
	if err != nil {
		return nil, err
	}
	return out.output, nil
}
