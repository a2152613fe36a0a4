package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trestle/engine/internal/cronutil"
	"github.com/trestle/engine/internal/store"
)

// Manager is the manifest manager loop: per tick, reap failed
// manifests into dead letters, then enqueue WorkQueue rows for manifests
// that have become due.
type Manager struct {
	factory store.Factory
	log     *slog.Logger
	tick    time.Duration
	metrics *Metrics

	cronCache map[string]*cronutil.Schedule
}

// NewManager builds a Manager polling factory every tick.
func NewManager(factory store.Factory, log *slog.Logger, tick time.Duration) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{factory: factory, log: log, tick: tick, cronCache: make(map[string]*cronutil.Schedule)}
}

// WithMetrics attaches an OTel Metrics bundle, returning m for chaining.
// A nil metrics argument is valid and leaves instrumentation disabled.
func (m *Manager) WithMetrics(metrics *Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Run blocks, ticking until ctx is cancelled. A failure during one tick is
// logged and the loop continues; failing to tick once must not stop the
// loop.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.log.Warn("manager tick failed", "error", err)
			}
		}
	}
}

// Tick executes one Load -> Reap -> Determine-due -> Enqueue pass.
func (m *Manager) Tick(ctx context.Context) error {
	m.log.Debug("manager tick starting")
	dc, err := m.factory.New(ctx)
	if err != nil {
		return fmt.Errorf("manager: acquire data context: %w", err)
	}
	defer dc.Close(ctx)

	now, err := dc.Now(ctx)
	if err != nil {
		return fmt.Errorf("manager: read store clock: %w", err)
	}

	manifests, err := dc.ListEnabledManifestsWithRuns(ctx)
	if err != nil {
		return fmt.Errorf("manager: load manifests: %w", err)
	}

	for _, mwr := range manifests {
		if err := m.reap(ctx, dc, mwr, now); err != nil {
			m.log.Warn("manager reap failed", "manifest", mwr.Manifest.ExternalID, "error", err)
		}
	}

	enqueued := 0
	for _, mwr := range manifests {
		if mwr.OpenDeadLetter != nil {
			continue
		}
		due, err := m.isDue(ctx, dc, mwr, now)
		if err != nil {
			m.log.Warn("manager due check failed", "manifest", mwr.Manifest.ExternalID, "error", err)
			continue
		}
		if !due {
			continue
		}
		if err := m.enqueue(ctx, dc, mwr, now); err != nil {
			m.log.Warn("manager enqueue failed", "manifest", mwr.Manifest.ExternalID, "error", err)
			continue
		}
		enqueued++
	}
	m.log.Debug("manager tick finished", "manifests", len(manifests), "enqueued", enqueued)
	m.metrics.incEnqueued(ctx, int64(enqueued))
	return nil
}

// reap dead-letters exhausted manifests: a manifest whose failure count has
// reached MaxRetries and carries no open DeadLetter is dead-lettered
// immediately, before due-determination runs, so a dead letter always
// survives a later step's failure within the same tick.
func (m *Manager) reap(ctx context.Context, dc store.DataContext, mwr *store.ManifestWithRuns, now time.Time) error {
	if mwr.OpenDeadLetter != nil {
		return nil
	}
	failed := mwr.FailedCount()
	if mwr.Manifest.MaxRetries <= 0 || failed < mwr.Manifest.MaxRetries {
		return nil
	}
	dl := &store.DeadLetter{
		ManifestID:             mwr.Manifest.ID,
		DeadLetteredAt:         now,
		Reason:                 fmt.Sprintf("Max retries exceeded: (%d) >= (%d)", failed, mwr.Manifest.MaxRetries),
		RetryCountAtDeadLetter: failed,
		Status:                 store.DeadLetterAwaitingIntervention,
	}
	if err := dc.InsertDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	mwr.OpenDeadLetter = dl
	m.log.Info("manifest dead-lettered", "manifest", mwr.Manifest.ExternalID, "failed", failed, "max_retries", mwr.Manifest.MaxRetries)
	m.metrics.incDeadLettered(ctx)
	return nil
}

// isDue evaluates the per-schedule-type due predicate.
func (m *Manager) isDue(ctx context.Context, dc store.DataContext, mwr *store.ManifestWithRuns, now time.Time) (bool, error) {
	manifest := mwr.Manifest
	switch manifest.ScheduleType {
	case store.ScheduleCron:
		if manifest.CronExpression == nil {
			return false, nil
		}
		sched, err := m.schedule(*manifest.CronExpression)
		if err != nil {
			return false, err
		}
		checkpoint := now
		if manifest.LastSuccessfulRun != nil {
			checkpoint = *manifest.LastSuccessfulRun
		}
		if !sched.IsDue(checkpoint, now) {
			return false, nil
		}
		return m.noOpenWorkQueue(ctx, dc, manifest.ID)

	case store.ScheduleInterval:
		if manifest.IntervalSeconds == nil {
			return false, nil
		}
		if manifest.LastSuccessfulRun != nil {
			elapsed := now.Sub(*manifest.LastSuccessfulRun)
			if elapsed < time.Duration(*manifest.IntervalSeconds)*time.Second {
				return false, nil
			}
		}
		return m.noOpenWorkQueue(ctx, dc, manifest.ID)

	case store.ScheduleDependent:
		if manifest.DependsOnManifestID == nil {
			return false, nil
		}
		parent, err := dc.GetManifest(ctx, *manifest.DependsOnManifestID)
		if err != nil {
			return false, fmt.Errorf("load dependency: %w", err)
		}
		if parent.LastSuccessfulRun == nil {
			return false, nil
		}
		if manifest.LastSuccessfulRun != nil && !parent.LastSuccessfulRun.After(*manifest.LastSuccessfulRun) {
			return false, nil
		}
		return m.noOpenWorkQueue(ctx, dc, manifest.ID)

	default: // OnDemand, None
		return false, nil
	}
}

func (m *Manager) noOpenWorkQueue(ctx context.Context, dc store.DataContext, manifestID int64) (bool, error) {
	open, err := dc.HasOpenWorkQueue(ctx, manifestID)
	if err != nil {
		return false, fmt.Errorf("check open work queue: %w", err)
	}
	return !open, nil
}

func (m *Manager) schedule(expr string) (*cronutil.Schedule, error) {
	if s, ok := m.cronCache[expr]; ok {
		return s, nil
	}
	s, err := cronutil.Parse(expr)
	if err != nil {
		return nil, err
	}
	m.cronCache[expr] = s
	return s, nil
}

// enqueue inserts the Queued WorkQueue row for a due manifest.
func (m *Manager) enqueue(ctx context.Context, dc store.DataContext, mwr *store.ManifestWithRuns, now time.Time) error {
	priority := 0
	if mwr.Group != nil {
		priority = mwr.Group.Priority
	}
	wq := &store.WorkQueue{
		ExternalID:    uuid.NewString(),
		WorkflowName:  mwr.Manifest.Name,
		Input:         mwr.Manifest.Properties,
		InputTypeName: mwr.Manifest.PropertyType,
		Status:        store.WorkQueueQueued,
		CreatedAt:     now,
		Priority:      store.ClampPriority(priority),
		ManifestID:    &mwr.Manifest.ID,
	}
	if err := dc.InsertWorkQueue(ctx, wq); err != nil {
		return fmt.Errorf("insert work queue: %w", err)
	}
	m.log.Info("manifest enqueued", "manifest", mwr.Manifest.ExternalID, "work_queue_external_id", wq.ExternalID)
	return nil
}
