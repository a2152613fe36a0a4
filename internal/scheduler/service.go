// Package scheduler implements the scheduling core: the declarative
// manifest API, the manifest manager loop, the job dispatcher loop, the
// executor workflow, metadata cleanup, and the dead-letter lifecycle.
// Ports-and-service shape throughout; constructors take explicit
// collaborators, no framework imports.
package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/trestle/engine/internal/engine"
	"github.com/trestle/engine/internal/store"
	"github.com/trestle/engine/pkg/jsonopts"
)

const defaultGroupName = "default"

// Service is the declarative scheduling API: Schedule, ScheduleMany, group assignment, and dependent-manifest chains
// via ThenInclude.
type Service struct {
	factory store.Factory
	opts    jsonopts.Options
}

// NewService builds a Service backed by factory, serializing Manifest
// Properties with opts.
func NewService(factory store.Factory, opts jsonopts.Options) *Service {
	return &Service{factory: factory, opts: opts}
}

// Spec describes one manifest to be created by Schedule/ScheduleMany.
// At most one of Cron, IntervalSeconds, OnDemand is expected to be set; if
// several are, Cron wins over IntervalSeconds, which wins over OnDemand.
// Dependent manifests are created through ThenInclude, not through a Spec
// field.
type Spec struct {
	ExternalID   string
	WorkflowName string
	FullName     string
	PropertyType string
	Input        any

	Group      string // empty joins the default group
	Priority   int
	MaxRetries int
	IsEnabled  bool

	Cron            string
	IntervalSeconds int64
	OnDemand        bool
}

// Schedule creates a single manifest from spec, materializing its group if
// named and not yet present.
func (s *Service) Schedule(ctx context.Context, spec Spec) (*store.Manifest, error) {
	created, err := s.ScheduleMany(ctx, []Spec{spec})
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

// ScheduleMany creates many manifests in one call.
func (s *Service) ScheduleMany(ctx context.Context, specs []Spec) ([]*store.Manifest, error) {
	dc, err := s.factory.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: acquire data context: %w", err)
	}
	defer dc.Close(ctx)

	out := make([]*store.Manifest, 0, len(specs))
	for _, spec := range specs {
		m, err := s.buildManifest(ctx, dc, spec, nil)
		if err != nil {
			return nil, err
		}
		if err := dc.InsertManifest(ctx, m); err != nil {
			return nil, fmt.Errorf("scheduler: insert manifest %q: %w", spec.ExternalID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// ThenInclude introduces a second manifest, `Dependent` on parentExternalID:
// it becomes due whenever the parent records a newer successful run.
func (s *Service) ThenInclude(ctx context.Context, parentExternalID string, spec Spec) (*store.Manifest, error) {
	dc, err := s.factory.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: acquire data context: %w", err)
	}
	defer dc.Close(ctx)

	parent, err := dc.GetManifestByExternalID(ctx, parentExternalID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: lookup parent manifest %q: %w", parentExternalID, err)
	}

	m, err := s.buildManifest(ctx, dc, spec, parent)
	if err != nil {
		return nil, err
	}
	if err := checkNotCyclic(ctx, dc, m, parent); err != nil {
		return nil, err
	}
	if err := dc.InsertManifest(ctx, m); err != nil {
		return nil, fmt.Errorf("scheduler: insert dependent manifest %q: %w", spec.ExternalID, err)
	}
	return m, nil
}

func (s *Service) buildManifest(ctx context.Context, dc store.DataContext, spec Spec, dependsOn *store.Manifest) (*store.Manifest, error) {
	groupName := spec.Group
	if groupName == "" {
		groupName = defaultGroupName
	}
	group, err := dc.GetOrCreateManifestGroup(ctx, groupName)
	if err != nil {
		return nil, fmt.Errorf("scheduler: materialize group %q: %w", groupName, err)
	}

	properties, err := jsonopts.Marshal(spec.Input, s.opts)
	if err != nil {
		return nil, fmt.Errorf("scheduler: marshal properties for %q: %w", spec.ExternalID, err)
	}

	externalID := spec.ExternalID
	if externalID == "" {
		externalID = uuid.NewString()
	}

	// Priority is a group-level attribute; a spec that asks for one raises
	// its group to that priority rather than carrying it per manifest.
	if p := store.ClampPriority(spec.Priority); p > group.Priority && spec.Priority != 0 {
		group.Priority = p
		if err := dc.UpdateManifestGroup(ctx, group); err != nil {
			return nil, fmt.Errorf("scheduler: update group %q priority: %w", groupName, err)
		}
	}

	m := &store.Manifest{
		ExternalID:      externalID,
		Name:            spec.WorkflowName,
		FullName:        spec.FullName,
		PropertyType:    spec.PropertyType,
		Properties:      properties,
		MaxRetries:      spec.MaxRetries,
		IsEnabled:       spec.IsEnabled,
		ManifestGroupID: group.ID,
	}

	switch {
	case dependsOn != nil:
		m.ScheduleType = store.ScheduleDependent
		m.DependsOnManifestID = &dependsOn.ID
	case spec.Cron != "":
		m.ScheduleType = store.ScheduleCron
		cron := spec.Cron
		m.CronExpression = &cron
	case spec.IntervalSeconds > 0:
		m.ScheduleType = store.ScheduleInterval
		interval := spec.IntervalSeconds
		m.IntervalSeconds = &interval
	case spec.OnDemand:
		m.ScheduleType = store.ScheduleOnDemand
	default:
		m.ScheduleType = store.ScheduleNone
	}

	return m, nil
}

// checkNotCyclic walks dependsOn's own DependsOnManifestID chain to ensure
// adding m doesn't create a cycle or self-reference. Depth is bounded by a
// fixed limit of 10000 hops to guarantee termination even against a
// corrupted chain.
func checkNotCyclic(ctx context.Context, dc store.DataContext, m *store.Manifest, dependsOn *store.Manifest) error {
	visited := map[int64]bool{}
	current := dependsOn
	for i := 0; current != nil; i++ {
		if i > 10000 {
			return engine.NewWorkflowError(engine.ErrManifestCycle, "dependent manifest chain exceeds sanity bound")
		}
		if visited[current.ID] {
			return engine.NewWorkflowError(engine.ErrManifestCycle, "dependent manifest chain already visits manifest %d", current.ID)
		}
		visited[current.ID] = true
		if current.DependsOnManifestID == nil {
			break
		}
		next, err := dc.GetManifest(ctx, *current.DependsOnManifestID)
		if err != nil {
			return fmt.Errorf("scheduler: walk dependency chain: %w", err)
		}
		current = next
	}
	return nil
}
