package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/trestle/engine/internal/bootstrap"
	"github.com/trestle/engine/internal/config"
	"github.com/trestle/engine/internal/httpapi"
	"github.com/trestle/engine/internal/httpapi/validation"
	"github.com/trestle/engine/internal/scheduler"
	"github.com/trestle/engine/internal/scheduler/leader"
	"github.com/trestle/engine/internal/telemetry"
)

// newServeCommand starts the admin HTTP API plus the manifest manager,
// job dispatcher, and metadata cleanup loops, wired in order: telemetry,
// store, service layer, then transport.
func newServeCommand() *cobra.Command {
	var manifestsFile string
	var otelEnabled bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP API and scheduling loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), manifestsFile, otelEnabled)
		},
	}

	cmd.Flags().StringVar(&manifestsFile, "manifests", "", "optional manifests.yaml bootstrap file to load and watch (development use)")
	cmd.Flags().BoolVar(&otelEnabled, "otel", os.Getenv("OTEL_ENABLED") == "true", "enable OpenTelemetry trace/metric export")

	return cmd
}

func runServe(parent context.Context, manifestsFile string, otelEnabled bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()

	tel, err := telemetry.New(ctx, otelEnabled)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	rt, err := newRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}

	metrics, err := scheduler.NewMetrics()
	if err != nil {
		return fmt.Errorf("scheduler metrics init: %w", err)
	}

	manager := scheduler.NewManager(rt.factory, rt.log, cfg.ManagerPollingInterval).WithMetrics(metrics)
	dispatcher := scheduler.NewDispatcher(rt.factory, rt.log, cfg.DispatcherPollingInterval, cfg.MaxActiveJobs).WithMetrics(metrics)
	cleanup := scheduler.NewCleanup(rt.factory, rt.log, cfg.CleanupPollingInterval, scheduler.CleanupConfig{
		WorkflowNames: cfg.MetadataCleanup.WorkflowTypeWhitelist,
		Retention:     cfg.MetadataCleanup.RetentionPeriod,
	})

	if manifestsFile != "" {
		if err := bootstrap.Watch(ctx, rt.scheduler, manifestsFile, rt.log); err != nil {
			return fmt.Errorf("bootstrap manifests: %w", err)
		}
	}

	if cfg.RedisURL != "" {
		runLeaderElected(ctx, cfg, rt, manager, dispatcher)
	} else {
		go manager.Run(ctx)
		go dispatcher.Run(ctx)
	}
	go cleanup.Run(ctx)

	handler := httpapi.New(rt.factory, rt.bus, rt.registry, rt.scheduler, rt.deadLetters, rt.log)

	router := gin.New()
	router.Use(gin.Recovery())
	if otelEnabled {
		router.Use(otelgin.Middleware(telemetry.InstrumentationName))
	}

	spec, err := validation.Spec()
	if err != nil {
		return fmt.Errorf("load validation spec: %w", err)
	}
	validate, err := validation.New(spec)
	if err != nil {
		return fmt.Errorf("build validation middleware: %w", err)
	}
	router.Use(validate)

	reg := prometheus.NewRegistry()
	httpapi.RegisterRoutes(router, handler, reg)

	rt.log.Info("engine serving", "addr", cfg.HTTPAddr)
	errCh := make(chan error, 1)
	go func() { errCh <- router.Run(cfg.HTTPAddr) }()

	select {
	case <-ctx.Done():
		rt.log.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// runLeaderElected starts the Manager and Dispatcher loops behind a
// Redis-backed distributed lock (internal/scheduler/leader) so only one
// replica in a horizontally-scaled deployment runs them at a time.
func runLeaderElected(ctx context.Context, cfg config.Config, rt *runtime, manager *scheduler.Manager, dispatcher *scheduler.Dispatcher) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	owner := uuid.NewString()

	managerLock := leader.New(rdb, "engine:leader:manager", owner, 15*time.Second)
	dispatcherLock := leader.New(rdb, "engine:leader:dispatcher", owner, 15*time.Second)

	go leader.Run(ctx, managerLock, func(ctx context.Context) {
		if err := manager.Tick(ctx); err != nil {
			rt.log.Warn("manager tick failed", "error", err)
		}
	})
	go leader.Run(ctx, dispatcherLock, func(ctx context.Context) {
		if err := dispatcher.Tick(ctx); err != nil {
			rt.log.Warn("dispatcher tick failed", "error", err)
		}
	})
}
