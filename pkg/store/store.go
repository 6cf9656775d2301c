// Package store defines the persistent, transactional record of users,
// jobs, workflows, transfers, dependencies, and their statuses. It is the
// only component that mutates entity state directly: the engine, resolver,
// and transfer coordinator hold only transient handles serialized through
// its transactions (spec.md §3 "Ownership").
package store

import (
	"time"

	"github.com/isadenghien/soma-workflow/pkg/types"
)

// Store is the interface every subsystem talks to. Every call that takes the
// acting user id and reads or changes an existing entity rejects an owner
// mismatch with somaerr.Unauthorized before doing any work — centralizing the
// ownership-isolation property of spec.md §8.1. The job/transfer reference
// calls take no user id and are keyed by job id and server path only.
type Store interface {
	// Users
	RegisterUser(login string) (*types.User, error)
	GetUser(id string) (*types.User, error)
	GetUserByLogin(login string) (*types.User, error)

	// Jobs
	CreateJob(userID string, job *types.Job) error
	GetJob(userID, jobID string) (*types.Job, error)
	UpdateJob(userID string, job *types.Job) error
	DeleteJob(userID, jobID string) error
	ListJobsByUser(userID string) ([]*types.Job, error)
	ListJobsByWorkflow(userID, workflowID string) ([]*types.Job, error)
	ListReadyJobs(userID string) ([]*types.Job, error)
	ListExpiredJobs(now time.Time) ([]*types.Job, error)
	ListNonTerminalJobs() ([]*types.Job, error)

	// Workflows
	CreateWorkflow(userID string, wf *types.Workflow) error
	GetWorkflow(userID, workflowID string) (*types.Workflow, error)
	UpdateWorkflow(userID string, wf *types.Workflow) error
	DeleteWorkflow(userID, workflowID string) error
	ListWorkflowsByUser(userID string) ([]*types.Workflow, error)
	ListExpiredWorkflows(now time.Time) ([]*types.Workflow, error)

	// Dependencies (predecessor -> successor edges over a workflow's jobs)
	AddDependency(userID, workflowID string, dep types.Dependency) error
	ListDependencies(userID, workflowID string) ([]types.Dependency, error)
	ListPredecessors(userID, jobID string) ([]string, error)
	ListSuccessors(userID, jobID string) ([]string, error)

	// Groups
	CreateGroup(userID string, group *types.Group) error
	GetGroup(userID, groupID string) (*types.Group, error)
	ListGroupsByWorkflow(userID, workflowID string) ([]*types.Group, error)

	// Transfers
	CreateTransfer(userID string, t *types.Transfer) error
	GetTransfer(userID, serverPath string) (*types.Transfer, error)
	UpdateTransfer(userID string, t *types.Transfer) error
	DeleteTransfer(userID, serverPath string) error
	ListTransfersByUser(userID string) ([]*types.Transfer, error)
	ListExpiredTransfers(now time.Time) ([]*types.Transfer, error)

	// Job <-> transfer references, for GC reference counting.
	AddJobTransferRef(jobID, serverPath string, direction types.TransferDirection) error
	RemoveJobTransferRefs(jobID string) error
	CountTransferRefs(serverPath string) (int, error)
	ListJobsReferencingTransfer(serverPath string) ([]string, error)

	// Temporary paths: allocated lazily, shared across jobs referencing the
	// same TemporaryPath id.
	CreateTemporaryPath(userID string, tp *types.TemporaryPath) error
	GetTemporaryPath(userID, id string) (*types.TemporaryPath, error)
	AllocateTemporaryPath(userID, id, concretePath string) error

	// Shared resource paths and option paths are small enough to store
	// inline with their owning job/workflow in most systems, but they are
	// independently owned entities here too, so they get their own bucket.
	CreateSharedResourcePath(userID string, srp *types.SharedResourcePath) error
	GetSharedResourcePath(userID, id string) (*types.SharedResourcePath, error)
	CreateOptionPath(userID string, op *types.OptionPath) error
	GetOptionPath(userID, id string) (*types.OptionPath, error)

	Close() error
}
