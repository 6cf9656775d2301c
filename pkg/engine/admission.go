package engine

import (
	"github.com/google/uuid"
	"github.com/isadenghien/soma-workflow/pkg/graph"
	"github.com/isadenghien/soma-workflow/pkg/somaerr"
	"github.com/isadenghien/soma-workflow/pkg/types"
)

// SubmitJob validates and persists a standalone job; the scheduling loop
// picks it up on its next cycle. Command must be non-empty unless job is a
// barrier, and every symbolic path referenced in the command must also
// appear in ReferencedInputPaths/ReferencedOutputPaths (spec.md §3 Job
// invariants).
func (e *Engine) SubmitJob(userID string, job *types.Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	job.Status = types.JobNotSubmitted
	return e.store.CreateJob(userID, job)
}

func validateJob(job *types.Job) error {
	if len(job.Command) == 0 && !job.IsBarrier() {
		return somaerr.New(somaerr.InvalidArgument, "job command must be non-empty")
	}
	referenced := make(map[string]bool)
	for _, tok := range job.ReferencedInputPaths {
		referenced[tok.RefID] = true
	}
	for _, tok := range job.ReferencedOutputPaths {
		referenced[tok.RefID] = true
	}
	for _, tok := range job.Command {
		if err := checkReferenced(tok, referenced); err != nil {
			return err
		}
	}
	return nil
}

func checkReferenced(tok types.CommandToken, referenced map[string]bool) error {
	switch tok.Kind {
	case types.TokenTransfer, types.TokenShared, types.TokenTemp, types.TokenPair:
		if !referenced[tok.RefID] {
			return somaerr.New(somaerr.InvalidArgument, "command references %s but it is not in referenced input/output paths", tok.RefID)
		}
	case types.TokenSeq:
		for _, sub := range tok.Seq {
			if err := checkReferenced(sub, referenced); err != nil {
				return err
			}
		}
	}
	return nil
}

// WorkflowSubmission is the client-supplied shape of a workflow submission:
// jobs and groups to persist, plus raw dependencies whose endpoints may
// reference either a job or a group id.
type WorkflowSubmission struct {
	Workflow     *types.Workflow
	Jobs         []*types.Job
	Groups       []*types.Group
	Dependencies []graph.RawDependency
}

// SubmitWorkflow validates a workflow submission entirely in memory —
// normalizing group endpoints into barrier jobs and verifying acyclicity —
// before writing anything to the store, so a rejected submission (spec.md
// §8.2: submit_workflow succeeds iff the expanded graph is a DAG) never
// leaves orphaned jobs behind for the engine to pick up as dependency-free
// and submit to the DRM. Only once the graph is known-good does it persist
// the workflow, jobs, groups, and dependency edges. The scheduling loop
// picks up ready jobs on its next cycle.
func (e *Engine) SubmitWorkflow(userID string, sub WorkflowSubmission) (*types.Workflow, error) {
	if sub.Workflow.ID == "" {
		sub.Workflow.ID = uuid.NewString()
	}

	groupsByID := make(map[string]*types.Group, len(sub.Groups))
	for _, g := range sub.Groups {
		if g.ID == "" {
			g.ID = uuid.NewString()
		}
		g.WorkflowID = sub.Workflow.ID
		groupsByID[g.ID] = g
	}

	for _, job := range sub.Jobs {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		job.WorkflowID = sub.Workflow.ID
		if err := validateJob(job); err != nil {
			return nil, err
		}
	}

	deps, barrierJobs, err := graph.Expand(sub.Workflow.ID, groupsByID, sub.Dependencies)
	if err != nil {
		return nil, err
	}

	allJobIDs := make([]string, 0, len(sub.Jobs)+len(barrierJobs))
	for _, j := range sub.Jobs {
		allJobIDs = append(allJobIDs, j.ID)
	}
	for _, b := range barrierJobs {
		allJobIDs = append(allJobIDs, b.ID)
	}
	if err := graph.CheckAcyclic(allJobIDs, deps); err != nil {
		return nil, err
	}

	// The graph is known-good: persist everything. From here, a store error
	// aborts the submission and is returned as the store reported it;
	// nothing is re-validated.
	if err := e.store.CreateWorkflow(userID, sub.Workflow); err != nil {
		return nil, err
	}
	for _, g := range sub.Groups {
		if err := e.store.CreateGroup(userID, g); err != nil {
			return nil, err
		}
	}
	for _, job := range sub.Jobs {
		job.Status = types.JobNotSubmitted
		if err := e.store.CreateJob(userID, job); err != nil {
			return nil, err
		}
	}
	for _, b := range barrierJobs {
		if err := e.store.CreateJob(userID, b); err != nil {
			return nil, err
		}
	}
	for _, d := range deps {
		if err := e.store.AddDependency(userID, sub.Workflow.ID, d); err != nil {
			return nil, err
		}
	}

	sub.Workflow.JobIDs = allJobIDs
	sub.Workflow.Status = types.WorkflowSubmitted
	if err := e.store.UpdateWorkflow(userID, sub.Workflow); err != nil {
		return nil, err
	}
	return sub.Workflow, nil
}

// ExitInfo returns the terminal exit classification of a job.
func (e *Engine) ExitInfo(userID, jobID string) (*types.ExitInfo, error) {
	job, err := e.store.GetJob(userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.ExitInfo == nil {
		return &types.ExitInfo{Status: types.ExitUndetermined}, nil
	}
	return job.ExitInfo, nil
}

// StdoutReadLine returns the next unread line of a job's standard output,
// reading through the transfer coordinator's stream reader rather than the
// filesystem directly so the remote-client case works the same way a local
// one does. Successive calls advance through the file while the DRM keeps
// appending to it.
func (e *Engine) StdoutReadLine(userID, jobID string) (string, error) {
	job, err := e.store.GetJob(userID, jobID)
	if err != nil {
		return "", err
	}
	return e.streams.ReadLine(jobID+"/stdout", job.StdoutPath)
}

// StderrReadLine returns the next unread line of a job's standard error,
// with the same ownership check as StdoutReadLine (the two were
// historically asymmetric; here they are deliberately implemented
// identically).
func (e *Engine) StderrReadLine(userID, jobID string) (string, error) {
	job, err := e.store.GetJob(userID, jobID)
	if err != nil {
		return "", err
	}
	return e.streams.ReadLine(jobID+"/stderr", job.StderrPath)
}
