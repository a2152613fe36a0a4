// Package store defines the persisted entities and the transactional
// DataContext abstraction every backend implements.
package store

import "time"

// WorkflowState is the lifecycle state of a Metadata row.
type WorkflowState string

const (
	WorkflowPending    WorkflowState = "Pending"
	WorkflowInProgress WorkflowState = "InProgress"
	WorkflowCompleted  WorkflowState = "Completed"
	WorkflowFailed     WorkflowState = "Failed"
)

// StepState mirrors engine.Track as a persisted string.
type StepState string

const (
	StepRight  StepState = "Right"
	StepLeft   StepState = "Left"
	StepBottom StepState = "Bottom"
)

// ScheduleType is a Manifest's cadence kind.
type ScheduleType string

const (
	ScheduleNone      ScheduleType = "None"
	ScheduleCron      ScheduleType = "Cron"
	ScheduleInterval  ScheduleType = "Interval"
	ScheduleOnDemand  ScheduleType = "OnDemand"
	ScheduleDependent ScheduleType = "Dependent"
)

// WorkQueueStatus is a WorkQueue row's dispatch state.
type WorkQueueStatus string

const (
	WorkQueueQueued     WorkQueueStatus = "Queued"
	WorkQueueDispatched WorkQueueStatus = "Dispatched"
	WorkQueueCancelled  WorkQueueStatus = "Cancelled"
)

// DeadLetterStatus is a DeadLetter row's resolution state.
type DeadLetterStatus string

const (
	DeadLetterAwaitingIntervention DeadLetterStatus = "AwaitingIntervention"
	DeadLetterRetried              DeadLetterStatus = "Retried"
	DeadLetterAcknowledged         DeadLetterStatus = "Acknowledged"
)

// Metadata is one row per workflow execution attempt.
type Metadata struct {
	ID               int64
	ExternalID       string
	Name             string
	ParentID         *int64
	WorkflowState    WorkflowState
	StartTime        time.Time
	EndTime          *time.Time
	FailureStep      *string
	FailureException *string
	FailureReason    *string
	StackTrace       *string
	Input            []byte
	Output           []byte
	ManifestID       *int64
}

// StepMetadata is one row per step execution inside a workflow.
type StepMetadata struct {
	ID                 int64
	WorkflowExternalID string
	Name               string
	ExternalID         string
	StartTimeUTC       *time.Time
	EndTimeUTC         *time.Time
	InputType          string
	OutputType         string
	State              StepState
	HasRan             bool
	OutputJSON         []byte
}

// Log is a structured log line linked to a Metadata row.
type Log struct {
	ID         int64
	MetadataID int64
	Level      string
	Message    string
	Fields     []byte
	CreatedAt  time.Time
}

// Manifest is a declarative scheduled workflow.
type Manifest struct {
	ID                  int64
	ExternalID          string
	Name                string
	FullName            string
	PropertyType        string
	Properties          []byte
	ScheduleType        ScheduleType
	CronExpression      *string
	IntervalSeconds     *int64
	MaxRetries          int
	IsEnabled           bool
	LastSuccessfulRun   *time.Time
	DependsOnManifestID *int64
	ManifestGroupID     int64
}

// ManifestGroup is a shared dispatch envelope.
type ManifestGroup struct {
	ID            int64
	Name          string
	MaxActiveJobs *int64
	Priority      int
	IsEnabled     bool
}

// WorkQueue is an "intent to run" record.
type WorkQueue struct {
	ID            int64
	ExternalID    string
	WorkflowName  string
	Input         []byte
	InputTypeName string
	Status        WorkQueueStatus
	CreatedAt     time.Time
	DispatchedAt  *time.Time
	Priority      int
	ManifestID    *int64
	MetadataID    *int64
}

// DeadLetter is a terminal manifest-level failure record.
type DeadLetter struct {
	ID                     int64
	ManifestID             int64
	DeadLetteredAt         time.Time
	Reason                 string
	RetryCountAtDeadLetter int
	Status                 DeadLetterStatus
	ResolvedAt             *time.Time
	ResolutionNote         *string
	RetryMetadataID        *int64
}

// BackgroundJob is a task-server claimable row.
type BackgroundJob struct {
	ID         int64
	MetadataID int64
	Input      []byte
	InputType  string
	CreatedAt  time.Time
	FetchedAt  *time.Time
}

// ClampPriority clamps a priority into the [0,31] range.
func ClampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 31 {
		return 31
	}
	return p
}
