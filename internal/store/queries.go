package store

import "time"

// MetadataFilter narrows ListMetadata's result set, backing the workflow
// run history read API ("GET /metadata?workflow=&state=&since=") that
// companions Metadata Cleanup: operators need to see what
// Cleanup is about to delete, and what is still retained. Zero-value
// fields are unfiltered.
type MetadataFilter struct {
	WorkflowName string
	State        WorkflowState // "" = any state
	Since        *time.Time
	Limit        int // 0 = backend default
}

// ManifestWithRuns bundles a Manifest with the Metadata rows and open
// DeadLetter needed by the Manifest Manager's reap/due-determination pass
//, avoiding N+1 queries per manifest.
type ManifestWithRuns struct {
	Manifest       *Manifest
	Group          *ManifestGroup
	Metadatas      []*Metadata
	OpenDeadLetter *DeadLetter // nil if none AwaitingIntervention
}

// FailedCount returns how many of this manifest's runs ended Failed.
func (m *ManifestWithRuns) FailedCount() int {
	n := 0
	for _, md := range m.Metadatas {
		if md.WorkflowState == WorkflowFailed {
			n++
		}
	}
	return n
}

// QueuedWorkItem bundles a WorkQueue row with its Manifest and group, as
// loaded by the Job Dispatcher's "load queued" step.
type QueuedWorkItem struct {
	WorkQueue *WorkQueue
	Manifest  *Manifest
	Group     *ManifestGroup
}

// GroupCapacity is the Job Dispatcher's per-group bookkeeping: currently
// active Metadata count against the tighter of the group and global cap.
type GroupCapacity struct {
	GroupID       int64
	ActiveCount   int
	MaxActiveJobs *int64 // min(group, global), nil = unlimited
}

// Remaining returns the number of additional jobs this group can accept, or
// -1 for unlimited.
func (c GroupCapacity) Remaining() int {
	if c.MaxActiveJobs == nil {
		return -1
	}
	r := int(*c.MaxActiveJobs) - c.ActiveCount
	if r < 0 {
		return 0
	}
	return r
}
