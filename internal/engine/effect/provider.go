// Package effect implements the workflow-scoped Effect Runner: a fan-out
// over pluggable providers constructed fresh for each workflow run, wired
// against engine.Workflow through engine.EffectRunner.
package effect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/trestle/engine/internal/engine"
)

// Provider is one pluggable effect backend: it receives every tracked model
// for the life of a workflow run and persists (or otherwise observes) them
// when SaveChanges is called.
type Provider interface {
	Track(model any)
	SaveChanges(ctx context.Context) error
	Dispose(ctx context.Context) error
}

// ProviderFactory constructs a Provider scoped to a single workflow run.
type ProviderFactory interface {
	New(ctx context.Context) (Provider, error)
}

// Runner fans a workflow's tracked models out to every configured provider
// and implements engine.EffectRunner.
type Runner struct {
	log       *slog.Logger
	mu        sync.Mutex
	providers []Provider
}

var _ engine.EffectRunner = (*Runner)(nil)

// NewRunner builds a Runner by asking each factory for a fresh Provider.
func NewRunner(ctx context.Context, log *slog.Logger, factories []ProviderFactory) (*Runner, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Runner{log: log}
	for _, f := range factories {
		p, err := f.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("effect runner: construct provider: %w", err)
		}
		r.providers = append(r.providers, p)
	}
	return r, nil
}

// NewRunnerWith builds a Runner around already-constructed providers, for
// callers that scope a provider's resources (e.g. a DataContext shared
// with the workflow's own steps) themselves.
func NewRunnerWith(log *slog.Logger, providers ...Provider) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{log: log, providers: providers}
}

// Track dispatches model to every active provider.
func (r *Runner) Track(model any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.providers {
		p.Track(model)
	}
}

// SaveChanges invokes every provider's SaveChanges in parallel. The first
// error cancels the group context for the remaining providers, but every
// provider that already started still runs to completion.
func (r *Runner) SaveChanges(ctx context.Context) error {
	r.mu.Lock()
	providers := append([]Provider(nil), r.providers...)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range providers {
		p := p
		g.Go(func() error { return p.SaveChanges(gctx) })
	}
	return g.Wait()
}

// Dispose attempts to dispose every provider even if one fails; failures
// are logged and accumulated rather than short-circuiting the others.
func (r *Runner) Dispose(ctx context.Context) error {
	r.mu.Lock()
	providers := append([]Provider(nil), r.providers...)
	r.mu.Unlock()

	var errs []error
	for _, p := range providers {
		if err := p.Dispose(ctx); err != nil {
			r.log.Error("effect provider dispose failed", "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("effect runner: %d provider(s) failed to dispose: %w", len(errs), errs[0])
}
