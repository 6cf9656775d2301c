package types

import (
	"encoding/json"
	"fmt"
)

// WorkflowDescription is the transportable form of a workflow and
// everything it owns: the workflow record itself, its jobs (barriers
// included), its display groups, and the expanded dependency edges. It
// round-trips through Encode/Decode without losing any attribute,
// server-assigned ids included. The engine's SubmitWorkflow takes an
// engine.WorkflowSubmission, not this type.
type WorkflowDescription struct {
	Workflow     *Workflow
	Jobs         []*Job
	Groups       []*Group
	Dependencies []Dependency
}

// Encode serializes the description to its wire form.
func (d *WorkflowDescription) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("types: encode workflow description: %w", err)
	}
	return data, nil
}

// DecodeWorkflowDescription parses the wire form produced by Encode.
func DecodeWorkflowDescription(data []byte) (*WorkflowDescription, error) {
	d := &WorkflowDescription{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("types: decode workflow description: %w", err)
	}
	return d, nil
}
