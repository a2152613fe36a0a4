package store

import (
	"context"
	"time"
)

// IsolationLevel names a transaction's isolation guarantee, mirrored onto
// whatever the backing driver exposes (pgx.TxIsoLevel for Postgres; the
// SQLite backend ignores it).
type IsolationLevel string

const (
	ReadCommitted IsolationLevel = "read_committed"
	Serializable  IsolationLevel = "serializable"
)

// Transaction is the handle returned by DataContext.BeginTransaction.
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DataContext is the transactional store abstraction: a scoped
// unit-of-work (Track / SaveChanges / Reset) used by the effect runner,
// plus the direct query/command surface the scheduler, dispatcher and task
// server need.
// Implementations are not safe for concurrent use by multiple goroutines;
// each component acquires its own instance from a Factory.
type DataContext interface {
	// Unit-of-work surface consumed by effect.DataContextProvider.
	Track(model any)
	SaveChanges(ctx context.Context) error
	Reset()
	BeginTransaction(ctx context.Context, iso IsolationLevel) (Transaction, error)
	Close(ctx context.Context) error

	// Now returns the store's own clock, authoritative for every "is due"
	// computation (the Manager never compares a local time.Now() against a
	// stored timestamp, so multiple Manager instances stay consistent
	// regardless of clock skew between hosts).
	Now(ctx context.Context) (time.Time, error)

	// Metadata
	InsertMetadata(ctx context.Context, m *Metadata) error
	UpdateMetadata(ctx context.Context, m *Metadata) error
	GetMetadata(ctx context.Context, id int64) (*Metadata, error)
	GetMetadataByExternalID(ctx context.Context, externalID string) (*Metadata, error)
	ListMetadataForCleanup(ctx context.Context, workflowNames []string, olderThan time.Time) ([]*Metadata, error)
	ListMetadata(ctx context.Context, filter MetadataFilter) ([]*Metadata, error)

	// StepMetadata
	InsertStepMetadata(ctx context.Context, sm *StepMetadata) error
	ListStepMetadataForWorkflow(ctx context.Context, workflowExternalID string) ([]*StepMetadata, error)

	// Log
	InsertLog(ctx context.Context, l *Log) error

	// Manifest / ManifestGroup
	InsertManifest(ctx context.Context, m *Manifest) error
	GetManifest(ctx context.Context, id int64) (*Manifest, error)
	GetManifestByExternalID(ctx context.Context, externalID string) (*Manifest, error)
	ListManifests(ctx context.Context) ([]*Manifest, error)
	UpdateManifestLastSuccessfulRun(ctx context.Context, id int64, at time.Time) error
	ListEnabledManifestsWithRuns(ctx context.Context) ([]*ManifestWithRuns, error)
	GetOrCreateManifestGroup(ctx context.Context, name string) (*ManifestGroup, error)
	UpdateManifestGroup(ctx context.Context, g *ManifestGroup) error
	GetManifestGroup(ctx context.Context, id int64) (*ManifestGroup, error)
	ListManifestGroups(ctx context.Context) ([]*ManifestGroup, error)
	DeleteManifestGroup(ctx context.Context, id int64) error

	// WorkQueue
	InsertWorkQueue(ctx context.Context, wq *WorkQueue) error
	HasOpenWorkQueue(ctx context.Context, manifestID int64) (bool, error)
	ListQueuedWorkItems(ctx context.Context) ([]*QueuedWorkItem, error)
	GroupCapacities(ctx context.Context, globalMax *int64) (map[int64]*GroupCapacity, error)
	DispatchWorkQueueItem(ctx context.Context, wq *WorkQueue, metadata *Metadata, job *BackgroundJob) error
	DeleteWorkQueueForMetadata(ctx context.Context, metadataIDs []int64) error

	// DeadLetter
	InsertDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, status *DeadLetterStatus) ([]*DeadLetter, error)
	GetDeadLetter(ctx context.Context, id int64) (*DeadLetter, error)
	AcknowledgeDeadLetter(ctx context.Context, id int64, note string, at time.Time) error
	RetryDeadLetter(ctx context.Context, id int64, manifest *Manifest, input []byte, at time.Time) (*WorkQueue, error)

	// BackgroundJob
	InsertBackgroundJob(ctx context.Context, job *BackgroundJob) error
	ClaimBackgroundJob(ctx context.Context, visibilityTimeout time.Duration) (*BackgroundJob, error)
	DeleteBackgroundJob(ctx context.Context, id int64) error

	// Cleanup
	DeleteLogsForMetadata(ctx context.Context, metadataIDs []int64) error
	DeleteStepMetadataForWorkflows(ctx context.Context, workflowExternalIDs []string) error
	DeleteMetadata(ctx context.Context, metadataIDs []int64) error
}

// Factory constructs a fresh DataContext scoped to a single component tick
// or workflow run; instances are never shared across goroutines.
type Factory interface {
	New(ctx context.Context) (DataContext, error)
}
