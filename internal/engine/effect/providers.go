package effect

import (
	"context"
	"fmt"

	"github.com/trestle/engine/internal/store"
	"github.com/trestle/engine/pkg/jsonopts"
)

// DataContextProvider is the SQL-backed effect provider: Track forwards straight to the underlying store.DataContext's own
// tracking buffer, SaveChanges flushes it, and Dispose closes the scoped
// DataContext acquired for this workflow run.
type DataContextProvider struct {
	dc store.DataContext
}

// NewDataContextProvider wraps a freshly-acquired DataContext for a single
// workflow run.
func NewDataContextProvider(dc store.DataContext) *DataContextProvider {
	return &DataContextProvider{dc: dc}
}

func (p *DataContextProvider) Track(model any) { p.dc.Track(model) }

func (p *DataContextProvider) SaveChanges(ctx context.Context) error {
	if err := p.dc.SaveChanges(ctx); err != nil {
		return fmt.Errorf("data context provider: %w", err)
	}
	return nil
}

func (p *DataContextProvider) Dispose(ctx context.Context) error {
	return p.dc.Close(ctx)
}

// DataContextProviderFactory acquires a fresh store.DataContext per
// workflow run from a store.Factory.
type DataContextProviderFactory struct {
	Factory store.Factory
}

func (f *DataContextProviderFactory) New(ctx context.Context) (Provider, error) {
	dc, err := f.Factory.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("data context provider factory: %w", err)
	}
	return NewDataContextProvider(dc), nil
}

// JSONProvider records a JSON snapshot of every tracked model at Track time,
// marshaled with its configured options and kept in memory for Snapshots,
// for local debugging and audit trails that don't need a full SQL round
// trip. It does not compare a model against earlier state (no diff is
// computed), and SaveChanges writes nothing. A marshal error is recorded as
// its own snapshot entry rather than aborting the workflow.
type JSONProvider struct {
	opts      jsonopts.Options
	snapshots []snapshot
}

type snapshot struct {
	typeName string
	json     []byte
	err      error
}

// NewJSONProvider builds a JSONProvider using opts for marshaling.
func NewJSONProvider(opts jsonopts.Options) *JSONProvider {
	return &JSONProvider{opts: opts}
}

func (p *JSONProvider) Track(model any) {
	b, err := jsonopts.Marshal(model, p.opts)
	p.snapshots = append(p.snapshots, snapshot{typeName: fmt.Sprintf("%T", model), json: b, err: err})
}

func (p *JSONProvider) SaveChanges(ctx context.Context) error {
	return nil
}

func (p *JSONProvider) Dispose(ctx context.Context) error { return nil }

// Snapshots exposes the snapshots recorded at Track time, for tests and for a
// caller (e.g. an effect consumer wiring this into a log sink) that wants
// the accumulated JSON trail of a single workflow run.
func (p *JSONProvider) Snapshots() []string {
	out := make([]string, 0, len(p.snapshots))
	for _, s := range p.snapshots {
		if s.err != nil {
			out = append(out, fmt.Sprintf("%s: <marshal error: %v>", s.typeName, s.err))
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", s.typeName, s.json))
	}
	return out
}

// JSONProviderFactory builds a fresh JSONProvider per workflow run.
type JSONProviderFactory struct {
	Options jsonopts.Options
}

func (f *JSONProviderFactory) New(ctx context.Context) (Provider, error) {
	return NewJSONProvider(f.Options), nil
}

// ParameterProvider serializes Metadata.Input/Output via the configured
// JSON options whenever a *store.Metadata is tracked. Other tracked models
// pass through untouched; this provider
// does not persist anything itself; it only (re)normalizes the JSON the
// Data Context provider will later write.
type ParameterProvider struct {
	opts jsonopts.Options
}

// NewParameterProvider builds a ParameterProvider using opts.
func NewParameterProvider(opts jsonopts.Options) *ParameterProvider {
	return &ParameterProvider{opts: opts}
}

func (p *ParameterProvider) Track(model any) {
	m, ok := model.(*store.Metadata)
	if !ok {
		return
	}
	if m.Input != nil {
		if b, err := jsonopts.Marshal(decodeRaw(m.Input), p.opts); err == nil {
			m.Input = b
		}
	}
	if m.Output != nil {
		if b, err := jsonopts.Marshal(decodeRaw(m.Output), p.opts); err == nil {
			m.Output = b
		}
	}
}

func (p *ParameterProvider) SaveChanges(ctx context.Context) error { return nil }
func (p *ParameterProvider) Dispose(ctx context.Context) error     { return nil }

// decodeRaw re-marshals already-encoded JSON bytes through the configured
// options (e.g. to re-indent compact storage JSON for a verbose log), using
// the rawJSON type below so the value round-trips without a full typed
// decode.
func decodeRaw(b []byte) any {
	return rawJSON(b)
}

type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// ParameterProviderFactory builds a fresh ParameterProvider per workflow run.
type ParameterProviderFactory struct {
	Options jsonopts.Options
}

func (f *ParameterProviderFactory) New(ctx context.Context) (Provider, error) {
	return NewParameterProvider(f.Options), nil
}
