// Package stepeffect implements the before/after-step hook fan-out,
// symmetric to internal/engine/effect's workflow-scope Runner
// but keyed on step boundaries rather than the whole run.
package stepeffect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trestle/engine/internal/engine"
	"github.com/trestle/engine/internal/store"
	"github.com/trestle/engine/internal/telemetry"
	"github.com/trestle/engine/pkg/jsonopts"
)

// Provider observes a single step's before/after execution. output is the
// step's result value on the success rail and nil otherwise.
type Provider interface {
	BeforeStep(ctx context.Context, wf *engine.Workflow, step engine.StepInfo)
	AfterStep(ctx context.Context, wf *engine.Workflow, step engine.StepInfo, track engine.Track, output any, started time.Time)
}

// ProviderFactory constructs a Provider scoped to a single workflow run.
type ProviderFactory interface {
	New(ctx context.Context) (Provider, error)
}

// Runner fans a workflow's step boundaries out to every configured
// provider and implements engine.StepEffectRunner.
type Runner struct {
	mu        sync.Mutex
	providers []Provider
	started   map[string]time.Time
}

var _ engine.StepEffectRunner = (*Runner)(nil)

// NewRunner builds a Runner by asking each factory for a fresh Provider.
func NewRunner(ctx context.Context, factories []ProviderFactory) (*Runner, error) {
	r := &Runner{started: make(map[string]time.Time)}
	for _, f := range factories {
		p, err := f.New(ctx)
		if err != nil {
			return nil, err
		}
		r.providers = append(r.providers, p)
	}
	return r, nil
}

func (r *Runner) BeforeStep(ctx context.Context, wf *engine.Workflow, step engine.StepInfo) {
	r.mu.Lock()
	r.started[step.Name] = time.Now()
	providers := append([]Provider(nil), r.providers...)
	r.mu.Unlock()
	for _, p := range providers {
		p.BeforeStep(ctx, wf, step)
	}
}

func (r *Runner) AfterStep(ctx context.Context, wf *engine.Workflow, step engine.StepInfo, track engine.Track, output any) {
	r.mu.Lock()
	started, ok := r.started[step.Name]
	delete(r.started, step.Name)
	providers := append([]Provider(nil), r.providers...)
	r.mu.Unlock()
	if !ok {
		started = time.Now()
	}
	for _, p := range providers {
		p.AfterStep(ctx, wf, step, track, output, started)
	}
}

// MetadataProvider persists one StepMetadata row per observed step: started
// and finished times, declared input/output type names, the terminal track,
// and (when snapshotting is enabled) the step's output serialized with the
// configured JSON options. A step skipped because an earlier step failed is
// still recorded, with HasRan false and no timestamps.
type MetadataProvider struct {
	factory         store.Factory
	opts            jsonopts.Options
	serializeOutput bool
	log             *slog.Logger
}

// NewMetadataProvider builds a MetadataProvider writing through factory.
func NewMetadataProvider(factory store.Factory, opts jsonopts.Options, serializeOutput bool, log *slog.Logger) *MetadataProvider {
	if log == nil {
		log = slog.Default()
	}
	return &MetadataProvider{factory: factory, opts: opts, serializeOutput: serializeOutput, log: log}
}

func (p *MetadataProvider) BeforeStep(ctx context.Context, wf *engine.Workflow, step engine.StepInfo) {
}

func (p *MetadataProvider) AfterStep(ctx context.Context, wf *engine.Workflow, step engine.StepInfo, track engine.Track, output any, started time.Time) {
	sm := &store.StepMetadata{
		WorkflowExternalID: wf.ExternalID,
		Name:               step.Name,
		ExternalID:         uuid.NewString(),
		InputType:          step.InputType,
		OutputType:         step.OutputType,
		State:              store.StepState(track.String()),
		HasRan:             track != engine.TrackBottom,
	}
	if sm.HasRan {
		start := started.UTC()
		end := time.Now().UTC()
		sm.StartTimeUTC = &start
		sm.EndTimeUTC = &end
	}
	if p.serializeOutput && track == engine.TrackRight && output != nil {
		if b, err := jsonopts.Marshal(output, p.opts); err == nil {
			sm.OutputJSON = b
		}
	}

	dc, err := p.factory.New(ctx)
	if err != nil {
		p.log.Warn("step metadata provider: acquire data context failed", "step", step.Name, "error", err)
		return
	}
	defer dc.Close(ctx)
	if err := dc.InsertStepMetadata(ctx, sm); err != nil {
		p.log.Warn("step metadata provider: insert failed", "step", step.Name, "error", err)
	}
}

// MetadataProviderFactory builds a fresh MetadataProvider per workflow run.
type MetadataProviderFactory struct {
	Factory         store.Factory
	Options         jsonopts.Options
	SerializeOutput bool
	Log             *slog.Logger
}

func (f *MetadataProviderFactory) New(ctx context.Context) (Provider, error) {
	return NewMetadataProvider(f.Factory, f.Options, f.SerializeOutput, f.Log), nil
}

// LoggingProvider logs step boundaries through slog at the configured
// level, serializing the step's output with the configured JSON options
// when snapshotting is enabled.
type LoggingProvider struct {
	log             *slog.Logger
	level           slog.Level
	opts            jsonopts.Options
	serializeOutput bool
}

// NewLoggingProvider builds a LoggingProvider writing to log at level.
func NewLoggingProvider(log *slog.Logger, level slog.Level, opts jsonopts.Options, serializeOutput bool) *LoggingProvider {
	if log == nil {
		log = slog.Default()
	}
	return &LoggingProvider{log: log, level: level, opts: opts, serializeOutput: serializeOutput}
}

func (p *LoggingProvider) BeforeStep(ctx context.Context, wf *engine.Workflow, step engine.StepInfo) {
	p.log.Log(ctx, p.level, "step starting",
		"step", step.Name, "input_type", step.InputType,
		"workflow", wf.Name, "workflow_external_id", wf.ExternalID)
}

func (p *LoggingProvider) AfterStep(ctx context.Context, wf *engine.Workflow, step engine.StepInfo, track engine.Track, output any, started time.Time) {
	attrs := []any{
		"step", step.Name, "workflow", wf.Name, "workflow_external_id", wf.ExternalID,
		"track", track.String(), "duration_ms", time.Since(started).Milliseconds(),
	}
	if p.serializeOutput && track == engine.TrackRight && output != nil {
		if b, err := jsonopts.Marshal(output, p.opts); err == nil {
			attrs = append(attrs, "output", string(b))
		}
	}
	p.log.Log(ctx, p.level, "step finished", attrs...)
}

// LoggingProviderFactory builds a fresh LoggingProvider per workflow run,
// sharing the process-wide logger and level.
type LoggingProviderFactory struct {
	Log             *slog.Logger
	Level           slog.Level
	Options         jsonopts.Options
	SerializeOutput bool
}

func (f *LoggingProviderFactory) New(ctx context.Context) (Provider, error) {
	return NewLoggingProvider(f.Log, f.Level, f.Options, f.SerializeOutput), nil
}

// TracingProvider opens one OTel span per step: the span starts in
// BeforeStep and ends in AfterStep,
// tagged with the step's terminal Track so a failed/short-circuited step is
// visible in the trace without inspecting logs.
type TracingProvider struct {
	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewTracingProvider builds a TracingProvider using the global
// telemetry.InstrumentationName tracer.
func NewTracingProvider() *TracingProvider {
	return &TracingProvider{spans: make(map[string]trace.Span)}
}

func (p *TracingProvider) BeforeStep(ctx context.Context, wf *engine.Workflow, step engine.StepInfo) {
	_, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "step."+step.Name,
		trace.WithAttributes(
			attribute.String("workflow.name", wf.Name),
			attribute.String("workflow.external_id", wf.ExternalID),
			attribute.String("step.name", step.Name),
			attribute.String("step.input_type", step.InputType),
			attribute.String("step.output_type", step.OutputType),
		))
	p.mu.Lock()
	p.spans[step.Name] = span
	p.mu.Unlock()
}

func (p *TracingProvider) AfterStep(ctx context.Context, wf *engine.Workflow, step engine.StepInfo, track engine.Track, output any, started time.Time) {
	p.mu.Lock()
	span, ok := p.spans[step.Name]
	delete(p.spans, step.Name)
	p.mu.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("step.track", track.String()))
	if track == engine.TrackLeft {
		span.SetStatus(codes.Error, "step failed")
	}
	span.End()
}

// TracingProviderFactory builds a fresh TracingProvider per workflow run.
type TracingProviderFactory struct{}

func (TracingProviderFactory) New(ctx context.Context) (Provider, error) {
	return NewTracingProvider(), nil
}

// ProgressProvider accumulates a run's step completions for a caller that
// wants to report "N of M steps done" without hooking the logger, e.g. the
// admin API's workflow run history view or the monitor TUI's live feed.
type ProgressProvider struct {
	mu    sync.Mutex
	steps []StepProgress
}

// StepProgress is one recorded step transition.
type StepProgress struct {
	Step     string
	Track    engine.Track
	Started  time.Time
	Duration time.Duration
}

// NewProgressProvider builds an empty ProgressProvider.
func NewProgressProvider() *ProgressProvider { return &ProgressProvider{} }

func (p *ProgressProvider) BeforeStep(ctx context.Context, wf *engine.Workflow, step engine.StepInfo) {
}

func (p *ProgressProvider) AfterStep(ctx context.Context, wf *engine.Workflow, step engine.StepInfo, track engine.Track, output any, started time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, StepProgress{Step: step.Name, Track: track, Started: started, Duration: time.Since(started)})
}

// Steps returns the recorded step progress in execution order.
func (p *ProgressProvider) Steps() []StepProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StepProgress(nil), p.steps...)
}

// ProgressProviderFactory builds a fresh ProgressProvider per workflow run.
type ProgressProviderFactory struct{}

func (ProgressProviderFactory) New(ctx context.Context) (Provider, error) {
	return NewProgressProvider(), nil
}
