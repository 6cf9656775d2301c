// Package graph normalizes a workflow's dependency graph before it reaches
// the engine: group endpoints are expanded into barrier-job pairs and the
// result is checked for acyclicity (spec.md §4.5).
package graph

import (
	"github.com/google/uuid"
	"github.com/isadenghien/soma-workflow/pkg/somaerr"
	"github.com/isadenghien/soma-workflow/pkg/types"
)

// Endpoint is one side of a raw, pre-expansion dependency edge: exactly one
// of JobID or GroupID is set.
type Endpoint struct {
	JobID   string
	GroupID string
}

func (e Endpoint) isGroup() bool { return e.GroupID != "" }

// RawDependency is a dependency edge as submitted by a client, before group
// endpoints are rewritten to barrier jobs.
type RawDependency struct {
	From Endpoint
	To   Endpoint
}

// Expand rewrites raw into job-only Dependency edges, synthesizing a pair
// of barrier jobs (<group>_input, <group>_output) for every group that
// appears as a dependency endpoint or as a subgroup of one that does.
// Every direct member of a group gets an edge from its input barrier and
// an edge to its output barrier; subgroups are expanded recursively and
// wired the same way, treating the subgroup's own barrier pair as if it
// were a single member job of the parent.
func Expand(workflowID string, groups map[string]*types.Group, raw []RawDependency) ([]types.Dependency, []*types.Job, error) {
	barriers := make(map[string][2]string) // groupID -> [inputJobID, outputJobID]
	var newJobs []*types.Job
	var deps []types.Dependency

	var ensureBarrier func(groupID string) ([2]string, error)
	ensureBarrier = func(groupID string) ([2]string, error) {
		if pair, ok := barriers[groupID]; ok {
			return pair, nil
		}
		g, ok := groups[groupID]
		if !ok {
			return [2]string{}, somaerr.New(somaerr.InvalidArgument, "unknown group %s", groupID)
		}

		in := &types.Job{ID: uuid.NewString(), WorkflowID: workflowID, Name: g.Name + "_input", Status: types.JobNotSubmitted}
		out := &types.Job{ID: uuid.NewString(), WorkflowID: workflowID, Name: g.Name + "_output", Status: types.JobNotSubmitted}
		newJobs = append(newJobs, in, out)

		pair := [2]string{in.ID, out.ID}
		// Memoize before recursing into subgroups so a malformed group cycle
		// terminates here instead of recursing forever; CheckAcyclic below
		// still catches any cycle this introduces among real jobs.
		barriers[groupID] = pair

		for _, jobID := range g.JobIDs {
			deps = append(deps, types.Dependency{PredecessorJobID: in.ID, SuccessorJobID: jobID})
			deps = append(deps, types.Dependency{PredecessorJobID: jobID, SuccessorJobID: out.ID})
		}
		for _, subID := range g.SubgroupIDs {
			sub, err := ensureBarrier(subID)
			if err != nil {
				return [2]string{}, err
			}
			deps = append(deps, types.Dependency{PredecessorJobID: in.ID, SuccessorJobID: sub[0]})
			deps = append(deps, types.Dependency{PredecessorJobID: sub[1], SuccessorJobID: out.ID})
		}
		return pair, nil
	}

	resolveSource := func(e Endpoint) (string, error) {
		if !e.isGroup() {
			return e.JobID, nil
		}
		pair, err := ensureBarrier(e.GroupID)
		if err != nil {
			return "", err
		}
		return pair[1], nil
	}
	resolveDest := func(e Endpoint) (string, error) {
		if !e.isGroup() {
			return e.JobID, nil
		}
		pair, err := ensureBarrier(e.GroupID)
		if err != nil {
			return "", err
		}
		return pair[0], nil
	}

	for _, r := range raw {
		from, err := resolveSource(r.From)
		if err != nil {
			return nil, nil, err
		}
		to, err := resolveDest(r.To)
		if err != nil {
			return nil, nil, err
		}
		deps = append(deps, types.Dependency{PredecessorJobID: from, SuccessorJobID: to})
	}

	return deps, newJobs, nil
}

// CheckAcyclic runs a Kahn-style topological pass over jobIDs and deps,
// returning somaerr.WorkflowCyclic if any job is unreachable by repeated
// removal of zero-indegree nodes.
func CheckAcyclic(jobIDs []string, deps []types.Dependency) error {
	indegree := make(map[string]int, len(jobIDs))
	adjacency := make(map[string][]string)
	for _, id := range jobIDs {
		indegree[id] = 0
	}
	for _, d := range deps {
		adjacency[d.PredecessorJobID] = append(adjacency[d.PredecessorJobID], d.SuccessorJobID)
		indegree[d.SuccessorJobID]++
	}

	queue := make([]string, 0, len(jobIDs))
	for _, id := range jobIDs {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, m := range adjacency[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}

	if visited != len(jobIDs) {
		return somaerr.New(somaerr.WorkflowCyclic, "dependency graph contains a cycle after group expansion")
	}
	return nil
}
