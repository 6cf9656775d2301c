// Package types defines the data model shared by the store, resolver,
// transfer coordinator, and engine: users, jobs, workflows, groups,
// transfers, and the symbolic path objects a job's command can reference.
package types

import (
	"path/filepath"
	"time"
)

// User owns every other entity in the store. Internal id is bound to an OS
// login at first registration and never changes afterward.
type User struct {
	ID    string
	Login string
}

// JobStatus is a job's position in the status lattice of spec.md §4.6.
type JobStatus string

const (
	JobNotSubmitted   JobStatus = "NOT_SUBMITTED"
	JobPending        JobStatus = "PENDING"
	JobQueuedActive   JobStatus = "QUEUED_ACTIVE"
	JobRunning        JobStatus = "RUNNING"
	JobUserOnHold     JobStatus = "USER_ON_HOLD"
	JobUserSuspended  JobStatus = "USER_SUSPENDED"
	JobDone           JobStatus = "DONE"
	JobFailed         JobStatus = "FAILED"
	JobKilled         JobStatus = "KILLED"
)

// IsTerminal reports whether no further transition is possible without a
// resubmission.
func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobFailed || s == JobKilled
}

// IsTerminalNonDone reports whether a predecessor in this status should
// propagate upstream_failed to its successors.
func (s JobStatus) IsTerminalNonDone() bool {
	return s == JobFailed || s == JobKilled
}

// FailureCause records why a job ended in FAILED, for exit_info callers and
// for tests asserting on spec.md §8's failure-propagation property.
type FailureCause string

const (
	CauseNone            FailureCause = ""
	CauseUpstreamFailed  FailureCause = "upstream_failed"
	CauseDRMUnavailable  FailureCause = "drm_unavailable"
	CauseSubmissionError FailureCause = "submission_error"
)

// ExitStatus is the five-way termination classification of spec.md §6.
type ExitStatus string

const (
	ExitFinishedRegularly        ExitStatus = "FINISHED_REGULARLY"
	ExitFinishedTermSignal       ExitStatus = "FINISHED_TERM_SIG"
	ExitFinishedUnclearCondition ExitStatus = "FINISHED_UNCLEAR_CONDITIONS"
	ExitAborted                  ExitStatus = "ABORTED"
	ExitUndetermined             ExitStatus = "EXIT_UNDETERMINED"
)

// ExitInfo is what exit_info returns: status, process exit code (when
// applicable), and terminating signal name (when terminated by signal).
type ExitInfo struct {
	Status           ExitStatus
	Value            int
	TerminatingSignal string
	ResourceUsage    map[string]string
}

// ParallelDescriptor names a site parallel-environment configuration and the
// maximum CPU count a job may claim from it.
type ParallelDescriptor struct {
	ConfigName string
	MaxCPUs    int
}

// Job is a single unit of work. A barrier job (IsBarrier) has an empty
// Command and is never handed to the DRM adapter; its status is computed
// from its predecessors by the engine instead.
type Job struct {
	ID         string
	UserID     string
	WorkflowID string // empty for a standalone job

	Name       string
	Command    []CommandToken
	WorkingDir CommandToken // zero value means "unspecified"
	Stdin      CommandToken

	JoinStderrToStdout bool
	StdoutTarget       CommandToken
	StderrTarget       CommandToken
	StdoutPath         string // concrete compute-side path, set at submission
	StderrPath         string

	Priority           int
	NativeSpecification string
	Parallel           *ParallelDescriptor

	ReferencedInputPaths  []CommandToken
	ReferencedOutputPaths []CommandToken

	DisposalTimeoutHours int
	SubmittedAt          time.Time
	ExpiresAt            time.Time

	Status  JobStatus
	Cause   FailureCause
	DRMID   string
	ExitInfo *ExitInfo

	CreatedAt time.Time
}

// IsBarrier reports whether this job is a synthetic dependency hub.
func (j *Job) IsBarrier() bool { return len(j.Command) == 0 }

// WorkflowStatus is the aggregate lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowNotSubmitted  WorkflowStatus = "NOT_SUBMITTED"
	WorkflowSubmitted     WorkflowStatus = "SUBMITTED"
	WorkflowActive        WorkflowStatus = "ACTIVE"
	WorkflowDone          WorkflowStatus = "DONE"
	WorkflowFailed        WorkflowStatus = "FAILED"
	WorkflowDeletePending WorkflowStatus = "DELETE_PENDING"
)

// Workflow is a named set of jobs, their dependency edges, and an optional
// display-only grouping.
type Workflow struct {
	ID     string
	UserID string
	Name   string

	JobIDs       []string
	Dependencies []Dependency

	Status               WorkflowStatus
	DisposalTimeoutHours int
	ExpiresAt            time.Time
	CreatedAt            time.Time
}

// Dependency is a directed predecessor -> successor edge between two jobs,
// already expanded past any group endpoints by pkg/graph.
type Dependency struct {
	PredecessorJobID string
	SuccessorJobID   string
}

// Group is a purely structural, display-only subset of a workflow's jobs
// and subgroups.
type Group struct {
	ID           string
	WorkflowID   string
	Name         string
	ParentGroupID string // empty at the forest root
	JobIDs       []string
	SubgroupIDs  []string
}

// TransferStatus tracks where the bytes backing a transfer currently live.
type TransferStatus string

const (
	TransferDoesNotExist       TransferStatus = "DOES_NOT_EXIST"
	TransferOnClient           TransferStatus = "ON_CLIENT"
	TransferTransferring       TransferStatus = "TRANSFERRING"
	TransferOnCompute          TransferStatus = "ON_COMPUTE"
	TransferReadyToTransferBack TransferStatus = "READY_TO_TRANSFER_BACK"
)

// TransferDirection says which side the transfer is meant to move bytes from
// at registration time.
type TransferDirection string

const (
	DirectionInput  TransferDirection = "input"
	DirectionOutput TransferDirection = "output"
)

// Transfer binds a client-side path (or associated-file set) to a
// server-owned compute-side path.
type Transfer struct {
	ServerPath  string // primary key
	UserID      string
	ClientPath  string
	ClientPaths []string // associated files sharing ServerPath's directory
	IsDirectory bool     // true when ServerPath is itself the directory holding the associated files
	Direction   TransferDirection
	Status      TransferStatus
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// ConcreteDir is concrete_dir(transfer) (spec.md §4.3's (transfer,
// relative_path) resolution rule): the directory a relative path inside
// this transfer is joined against. For a directory/associated-files
// transfer, ServerPath already is that directory; for a single-file
// transfer it is ServerPath's parent.
func (t *Transfer) ConcreteDir() string {
	if t.IsDirectory {
		return t.ServerPath
	}
	return filepath.Dir(t.ServerPath)
}

// SharedResourcePath is resolved to a concrete path via a site translation
// table keyed by Namespace.
type SharedResourcePath struct {
	Namespace    string
	UUID         string
	RelativePath string
}

// TemporaryPath is allocated lazily the first time a submitted job
// references it, and shares that concrete name with every later reference.
type TemporaryPath struct {
	ID                   string
	UserID               string
	IsDirectory          bool
	Suffix               string
	DisposalTimeoutHours int
	ConcretePath         string // empty until first resolved
}

// OptionPath resolves as resolve(Parent) + URI.
type OptionPath struct {
	Parent CommandToken
	URI    string
	Name   string
}
