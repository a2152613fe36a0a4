package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trestle/engine/internal/bus"
	"github.com/trestle/engine/internal/config"
	"github.com/trestle/engine/internal/scheduler"
	"github.com/trestle/engine/internal/store"
	"github.com/trestle/engine/internal/store/postgres"
	"github.com/trestle/engine/internal/store/resilience"
	"github.com/trestle/engine/internal/store/sqlite"
	"github.com/trestle/engine/pkg/logging"
)

// runtime bundles the collaborators every subcommand needs, built once
// from config.Config in the usual order: store, then service layer, then
// whatever transport the subcommand adds.
type runtime struct {
	cfg         config.Config
	log         *slog.Logger
	factory     store.Factory
	bus         *bus.Bus
	registry    *bus.Registry
	wfRegistry  *scheduler.Registry
	scheduler   *scheduler.Service
	deadLetters *scheduler.DeadLetters
	executor    *scheduler.Executor
}

// withResilience controls whether the store.Factory is wrapped with a
// circuit breaker + backoff retry (internal/store/resilience). serve and
// worker enable it by default; tests and one-shot CLI commands (manifest,
// deadletter) skip it since a single failed call should surface immediately
// rather than retry for up to resilience.DefaultConfig's MaxElapsedTime.
func newRuntime(ctx context.Context, cfg config.Config, withResilience bool) (*runtime, error) {
	log := logging.New()

	factory, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if withResilience {
		factory = resilience.New(factory, resilience.DefaultConfig())
	}

	wfRegistry := bus.NewRegistry()
	b := bus.New(wfRegistry, factory, cfg.WorkflowParameterJSONOptions)
	svc := scheduler.NewService(factory, cfg.WorkflowParameterJSONOptions)
	deadLetters := scheduler.NewDeadLetters(factory)
	execRegistry := scheduler.NewRegistry()
	executor := scheduler.NewExecutor(factory, b, execRegistry).
		WithObservability(log, cfg.StepLogJSONOptions, cfg.SerializeStepData)

	return &runtime{
		cfg:         cfg,
		log:         log,
		factory:     factory,
		bus:         b,
		registry:    wfRegistry,
		wfRegistry:  execRegistry,
		scheduler:   svc,
		deadLetters: deadLetters,
		executor:    executor,
	}, nil
}

// openStore picks the Postgres or SQLite backend per cfg.DatabaseURL.
// An empty DatabaseURL falls back to an on-disk SQLite file for local/dev
// use rather than requiring Postgres to be running to try the binary out.
func openStore(ctx context.Context, cfg config.Config) (store.Factory, error) {
	if cfg.DatabaseURL == "" {
		db, err := sqlite.Open("engine.db")
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return &sqlite.Factory{DB: db}, nil
	}

	pool, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return &postgres.Factory{Pool: pool}, nil
}
