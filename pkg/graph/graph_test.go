package graph

import (
	"testing"

	"github.com/isadenghien/soma-workflow/pkg/somaerr"
	"github.com/isadenghien/soma-workflow/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestExpandPlainJobEdge(t *testing.T) {
	deps, barriers, err := Expand("wf1", nil, []RawDependency{
		{From: Endpoint{JobID: "a"}, To: Endpoint{JobID: "b"}},
	})
	assert.NoError(t, err)
	assert.Empty(t, barriers)
	assert.Equal(t, []types.Dependency{{PredecessorJobID: "a", SuccessorJobID: "b"}}, deps)
}

// TestExpandGroupFanIn mirrors S4 from the acceptance scenarios: group
// G = {X, Y, Z}, dependency G -> W. After expansion a barrier G_output
// exists, W depends only on it, and X, Y, Z each depend on G_input.
func TestExpandGroupFanIn(t *testing.T) {
	groups := map[string]*types.Group{
		"g": {ID: "g", Name: "G", JobIDs: []string{"x", "y", "z"}},
	}
	deps, barriers, err := Expand("wf1", groups, []RawDependency{
		{From: Endpoint{GroupID: "g"}, To: Endpoint{JobID: "w"}},
	})
	assert.NoError(t, err)
	assert.Len(t, barriers, 2)

	var inID, outID string
	for _, b := range barriers {
		if b.Name == "G_input" {
			inID = b.ID
		}
		if b.Name == "G_output" {
			outID = b.ID
		}
	}
	assert.NotEmpty(t, inID)
	assert.NotEmpty(t, outID)

	assert.Contains(t, deps, types.Dependency{PredecessorJobID: outID, SuccessorJobID: "w"})
	for _, member := range []string{"x", "y", "z"} {
		assert.Contains(t, deps, types.Dependency{PredecessorJobID: inID, SuccessorJobID: member})
		assert.Contains(t, deps, types.Dependency{PredecessorJobID: member, SuccessorJobID: outID})
	}

	allIDs := []string{"w", "x", "y", "z", inID, outID}
	assert.NoError(t, CheckAcyclic(allIDs, deps))
}

func TestExpandGroupToGroupComposesBothRewrites(t *testing.T) {
	groups := map[string]*types.Group{
		"g1": {ID: "g1", Name: "G1", JobIDs: []string{"a"}},
		"g2": {ID: "g2", Name: "G2", JobIDs: []string{"b"}},
	}
	deps, barriers, err := Expand("wf1", groups, []RawDependency{
		{From: Endpoint{GroupID: "g1"}, To: Endpoint{GroupID: "g2"}},
	})
	assert.NoError(t, err)
	assert.Len(t, barriers, 4)

	byName := map[string]string{}
	for _, b := range barriers {
		byName[b.Name] = b.ID
	}
	assert.Contains(t, deps, types.Dependency{PredecessorJobID: byName["G1_output"], SuccessorJobID: byName["G2_input"]})
}

func TestExpandRecursesIntoSubgroups(t *testing.T) {
	groups := map[string]*types.Group{
		"parent": {ID: "parent", Name: "Parent", SubgroupIDs: []string{"child"}},
		"child":  {ID: "child", Name: "Child", JobIDs: []string{"j"}},
	}
	deps, barriers, err := Expand("wf1", groups, []RawDependency{
		{From: Endpoint{JobID: "pre"}, To: Endpoint{GroupID: "parent"}},
	})
	assert.NoError(t, err)
	assert.Len(t, barriers, 4)

	byName := map[string]string{}
	for _, b := range barriers {
		byName[b.Name] = b.ID
	}
	assert.Contains(t, deps, types.Dependency{PredecessorJobID: "pre", SuccessorJobID: byName["Parent_input"]})
	assert.Contains(t, deps, types.Dependency{PredecessorJobID: byName["Parent_input"], SuccessorJobID: byName["Child_input"]})
	assert.Contains(t, deps, types.Dependency{PredecessorJobID: byName["Child_input"], SuccessorJobID: "j"})
}

func TestCheckAcyclicDetectsCycle(t *testing.T) {
	deps := []types.Dependency{
		{PredecessorJobID: "a", SuccessorJobID: "b"},
		{PredecessorJobID: "b", SuccessorJobID: "a"},
	}
	err := CheckAcyclic([]string{"a", "b"}, deps)
	assert.Error(t, err)
	assert.True(t, somaerr.OfKind(err, somaerr.WorkflowCyclic))
}

func TestExpandUnknownGroupFails(t *testing.T) {
	_, _, err := Expand("wf1", map[string]*types.Group{}, []RawDependency{
		{From: Endpoint{GroupID: "missing"}, To: Endpoint{JobID: "w"}},
	})
	assert.Error(t, err)
}
