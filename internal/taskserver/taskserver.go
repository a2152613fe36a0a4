// Package taskserver implements the background task server: a durable
// leased queue keyed by BackgroundJob, with a pool of worker goroutines
// claiming rows via the row-level lease protocol store.DataContext
// exposes, plus an in-memory variant that executes inline for tests and
// embedded use. Each worker runs its own poll loop; the claim is already
// atomic at the store layer, so no separate producer goroutine is needed.
package taskserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/trestle/engine/internal/scheduler"
	"github.com/trestle/engine/internal/store"
)

// Server is the background task server contract: Enqueue hands
// a claimable unit of work to the server; Run starts whatever background
// processing the implementation needs (a no-op for the in-memory variant,
// which does all its work inline at Enqueue time).
type Server interface {
	// Enqueue hands off metadataID for execution, returning the claimable
	// row id (0 for the in-memory variant, which has none).
	Enqueue(ctx context.Context, metadataID int64, input []byte, inputType string) (int64, error)
	// Run blocks, processing claimed jobs until ctx is cancelled.
	Run(ctx context.Context) error
}

// Config configures the durable SQL-backed Server.
type Config struct {
	Workers           int
	PollingInterval   time.Duration
	VisibilityTimeout time.Duration
}

// Metrics is an optional Prometheus instrumentation bundle. A nil *Metrics
// is valid everywhere below; every method no-ops on a nil receiver so
// wiring metrics is opt-in.
type Metrics struct {
	claimed   prometheus.Counter
	succeeded prometheus.Counter
	failed    prometheus.Counter
	duration  prometheus.Histogram
}

// NewMetrics registers the task server's counters/histogram with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_taskserver_jobs_claimed_total",
			Help: "Background jobs claimed by a task server worker.",
		}),
		succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_taskserver_jobs_succeeded_total",
			Help: "Background jobs whose workflow completed successfully.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_taskserver_jobs_failed_total",
			Help: "Background jobs whose workflow failed.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_taskserver_job_duration_seconds",
			Help:    "Wall-clock duration of a claimed job's workflow execution.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.claimed, m.succeeded, m.failed, m.duration)
	return m
}

func (m *Metrics) incClaimed() {
	if m != nil {
		m.claimed.Inc()
	}
}

func (m *Metrics) observe(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
	if err != nil {
		m.failed.Inc()
	} else {
		m.succeeded.Inc()
	}
}

// runner is the shared claim->execute->finalize body used by both the
// in-memory and durable-SQL servers, keeping the Metadata lifecycle
// bookkeeping in one place.
type runner struct {
	factory  store.Factory
	executor *scheduler.Executor
	log      *slog.Logger
	metrics  *Metrics
}

// execute loads metadataID's Metadata row, flips it InProgress, runs the
// Executor workflow against it, and records the terminal state on that
// same row, the row the Job Dispatcher created. The Executor's own bus.RunByName call
// separately creates a child Metadata row (parented to this one) for the
// target workflow's own execution record; this row is the scheduled run's
// durable receipt.
func (r *runner) execute(ctx context.Context, metadataID int64) error {
	dc, err := r.factory.New(ctx)
	if err != nil {
		return fmt.Errorf("taskserver: acquire data context: %w", err)
	}
	defer dc.Close(ctx)

	meta, err := dc.GetMetadata(ctx, metadataID)
	if err != nil {
		return fmt.Errorf("taskserver: load metadata %d: %w", metadataID, err)
	}

	meta.WorkflowState = store.WorkflowInProgress
	if err := dc.UpdateMetadata(ctx, meta); err != nil {
		return fmt.Errorf("taskserver: mark metadata %d in progress: %w", metadataID, err)
	}

	start := time.Now()
	_, runErr := r.executor.Execute(ctx, scheduler.ExecuteManifestRequest{MetadataID: metadataID})
	r.metrics.observe(time.Since(start), runErr)

	end := time.Now().UTC()
	meta.EndTime = &end

	if runErr != nil {
		if isCancellation(runErr) {
			r.log.Warn("taskserver: job cancelled", "metadata_id", metadataID, "error", runErr)
			return runErr
		}
		meta.WorkflowState = store.WorkflowFailed
		reason := runErr.Error()
		meta.FailureReason = &reason
		exc := fmt.Sprintf("%T", runErr)
		meta.FailureException = &exc
		if updErr := dc.UpdateMetadata(ctx, meta); updErr != nil {
			return fmt.Errorf("taskserver: mark metadata %d failed: %w", metadataID, updErr)
		}
		r.log.Warn("taskserver: job failed", "metadata_id", metadataID, "error", runErr)
		return nil
	}

	meta.WorkflowState = store.WorkflowCompleted
	if err := dc.UpdateMetadata(ctx, meta); err != nil {
		return fmt.Errorf("taskserver: mark metadata %d completed: %w", metadataID, err)
	}
	r.log.Info("taskserver: job completed", "metadata_id", metadataID)
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// InMemory executes inline in the calling context; used for tests and
// single-process embedding. Enqueue runs the job to
// completion before returning and Run is a no-op that simply blocks on ctx.
type InMemory struct {
	r *runner
}

// NewInMemory builds an InMemory task server.
func NewInMemory(factory store.Factory, executor *scheduler.Executor, log *slog.Logger) *InMemory {
	if log == nil {
		log = slog.Default()
	}
	return &InMemory{r: &runner{factory: factory, executor: executor, log: log}}
}

// Enqueue executes metadataID's workflow inline and returns 0 (there is no
// claimable row in the in-memory variant).
func (s *InMemory) Enqueue(ctx context.Context, metadataID int64, _ []byte, _ string) (int64, error) {
	return 0, s.r.execute(ctx, metadataID)
}

// Run blocks until ctx is cancelled; the in-memory server has no background
// loop of its own.
func (s *InMemory) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// SQLServer is the durable, SQL-backed task server:
// a pool of Config.Workers worker goroutines, each polling
// store.DataContext.ClaimBackgroundJob on Config.PollingInterval and
// leasing rows for Config.VisibilityTimeout.
type SQLServer struct {
	factory store.Factory
	cfg     Config
	r       *runner
}

// NewSQLServer builds a durable task server. metrics may be nil.
func NewSQLServer(factory store.Factory, executor *scheduler.Executor, log *slog.Logger, cfg Config, metrics *Metrics) *SQLServer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	return &SQLServer{
		factory: factory,
		cfg:     cfg,
		r:       &runner{factory: factory, executor: executor, log: log, metrics: metrics},
	}
}

// Enqueue inserts a claimable BackgroundJob row for metadataID and returns
// its id.
func (s *SQLServer) Enqueue(ctx context.Context, metadataID int64, input []byte, inputType string) (int64, error) {
	dc, err := s.factory.New(ctx)
	if err != nil {
		return 0, fmt.Errorf("taskserver: acquire data context: %w", err)
	}
	defer dc.Close(ctx)

	job := &store.BackgroundJob{
		MetadataID: metadataID,
		Input:      input,
		InputType:  inputType,
		CreatedAt:  time.Now().UTC(),
	}
	if err := dc.InsertBackgroundJob(ctx, job); err != nil {
		return 0, fmt.Errorf("taskserver: insert background job: %w", err)
	}
	return job.ID, nil
}

// Run starts cfg.Workers worker goroutines and blocks until ctx is
// cancelled or a worker returns a non-context error.
func (s *SQLServer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		workerID := i
		g.Go(func() error {
			s.workerLoop(gctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

// workerLoop runs claim, execute, finalize: claim the oldest claimable row, execute its workflow, delete
// the row whether the workflow succeeded or failed, then poll again. An
// empty claim (store.ErrNotFound) sleeps PollingInterval before retrying.
func (s *SQLServer) workerLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, dc, err := s.claim(ctx)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.r.log.Warn("taskserver: claim failed", "worker", workerID, "error", err)
			}
			if !sleep(ctx, s.cfg.PollingInterval) {
				return
			}
			continue
		}
		s.r.metrics.incClaimed()

		if err := s.r.execute(ctx, job.MetadataID); err != nil && isCancellation(err) {
			dc.Close(ctx)
			return
		}

		if err := dc.DeleteBackgroundJob(ctx, job.ID); err != nil {
			s.r.log.Warn("taskserver: finalize delete failed", "worker", workerID, "job_id", job.ID, "error", err)
		}
		dc.Close(ctx)
	}
}

func (s *SQLServer) claim(ctx context.Context) (*store.BackgroundJob, store.DataContext, error) {
	dc, err := s.factory.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("taskserver: acquire data context: %w", err)
	}
	job, err := dc.ClaimBackgroundJob(ctx, s.cfg.VisibilityTimeout)
	if err != nil {
		dc.Close(ctx)
		return nil, nil, err
	}
	return job, dc, nil
}

// sleep waits for d or ctx cancellation, reporting which happened first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
