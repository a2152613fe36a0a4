package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/trestle/engine/internal/config"
	"github.com/trestle/engine/internal/taskserver"
)

// newWorkerCommand runs the Background Task Server worker pool: a set of
// goroutines claiming BackgroundJob rows from the store and executing the
// workflow each row points at. Runs standalone so worker capacity can be
// scaled independently of the serve process.
func newWorkerCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the background task server worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "optional address to serve Prometheus /metrics on (e.g. :9090)")

	return cmd
}

func runWorker(parent context.Context, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()

	rt, err := newRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := taskserver.NewMetrics(reg)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				rt.log.Warn("metrics listener stopped", "error", err)
			}
		}()
	}

	// The worker command is always the durable SQL server; the in-memory
	// variant executes inline at Enqueue time inside whatever process
	// embeds it, so a standalone worker for it would have nothing to poll.
	srv := taskserver.NewSQLServer(rt.factory, rt.executor, rt.log, taskserver.Config{
		Workers:           cfg.WorkerCount,
		PollingInterval:   cfg.TaskServerPollingInterval,
		VisibilityTimeout: cfg.VisibilityTimeout,
	}, metrics)

	rt.log.Info("task server running", "workers", cfg.WorkerCount, "poll", cfg.TaskServerPollingInterval)
	return srv.Run(ctx)
}
