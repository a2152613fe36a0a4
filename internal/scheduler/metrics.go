package scheduler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/trestle/engine/internal/telemetry"
)

// Metrics is an optional OTel instrumentation bundle shared by Manager and
// Dispatcher, following the nil-safe-everywhere pattern the Task Server's
// Prometheus Metrics established (every method no-ops on a nil receiver),
// so wiring metrics stays opt-in for embedders that don't run a
// collector.
type Metrics struct {
	deadLettered metric.Int64Counter
	enqueued     metric.Int64Counter
	dispatched   metric.Int64Counter
	queueDepth   metric.Int64Counter
}

// NewMetrics builds a Metrics bundle from the global OTel meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(telemetry.InstrumentationName)

	deadLettered, err := meter.Int64Counter("engine_scheduler_manifests_dead_lettered_total",
		metric.WithDescription("Manifests transitioned to an AwaitingIntervention dead letter."))
	if err != nil {
		return nil, err
	}
	enqueued, err := meter.Int64Counter("engine_scheduler_workqueue_enqueued_total",
		metric.WithDescription("WorkQueue rows inserted by the Manifest Manager."))
	if err != nil {
		return nil, err
	}
	dispatched, err := meter.Int64Counter("engine_scheduler_workqueue_dispatched_total",
		metric.WithDescription("WorkQueue rows dispatched to Metadata+BackgroundJob by the Job Dispatcher."))
	if err != nil {
		return nil, err
	}
	queueDepth, err := meter.Int64Counter("engine_scheduler_workqueue_skipped_total",
		metric.WithDescription("Queued WorkQueue items left queued this tick for lack of group capacity."))
	if err != nil {
		return nil, err
	}
	return &Metrics{deadLettered: deadLettered, enqueued: enqueued, dispatched: dispatched, queueDepth: queueDepth}, nil
}

func (m *Metrics) incDeadLettered(ctx context.Context) {
	if m != nil {
		m.deadLettered.Add(ctx, 1)
	}
}

func (m *Metrics) incEnqueued(ctx context.Context, n int64) {
	if m != nil && n > 0 {
		m.enqueued.Add(ctx, n)
	}
}

func (m *Metrics) incDispatched(ctx context.Context, n int64) {
	if m != nil && n > 0 {
		m.dispatched.Add(ctx, n)
	}
}

func (m *Metrics) incSkipped(ctx context.Context, n int64) {
	if m != nil && n > 0 {
		m.queueDepth.Add(ctx, n)
	}
}
