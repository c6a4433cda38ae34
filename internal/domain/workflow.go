package domain

import (
	"fmt"
	"time"
)

type Workflow struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Nodes     []WorkflowNode     `json:"nodes"`
	Edges     []WorkflowEdge     `json:"edges"`
	Settings  WorkflowSettings   `json:"settings"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type WorkflowNode struct {
	ID           string                 `json:"id"`
	StepType     string                 `json:"step_type"`
	Name         string                 `json:"name"`
	Enabled      bool                   `json:"enabled"`
	Position     Position               `json:"position"`
	Config       map[string]interface{} `json:"config"`
	InputSources []InputSource          `json:"input_sources"`
}

// Position is UI layout only; the executor never reads it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type WorkflowEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type InputSourceType string

const (
	InputSourcePreviousNode InputSourceType = "previous_node"
	InputSourceExternal     InputSourceType = "external"
)

type InputSource struct {
	Type      InputSourceType        `json:"type"`
	NodeID    string                 `json:"node_id,omitempty"`
	Connector string                 `json:"connector,omitempty"`
	Filters   map[string]interface{} `json:"filters,omitempty"`
}

type ErrorHandling string

const (
	ErrorHandlingStop     ErrorHandling = "stop"
	ErrorHandlingContinue ErrorHandling = "continue"
	ErrorHandlingRetry    ErrorHandling = "retry"
)

type WorkflowSettings struct {
	ErrorHandling        ErrorHandling `json:"error_handling"`
	MaxRetries           int           `json:"max_retries"`
	ParallelExecution    bool          `json:"parallel_execution"`
	NotifyOnCompletion   bool          `json:"notify_on_completion"`
	NotifyOnFailure      bool          `json:"notify_on_failure"`
	ScheduleTriggerNode  string        `json:"schedule_trigger_node,omitempty"`
}

// Validate enforces the structural invariants of a workflow definition:
// unique node ids, edges that reference existing nodes, and at most one
// schedule-trigger node which must be first in declaration order.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return NewValidationError("workflow name is required", nil)
	}

	seen := make(map[string]struct{}, len(w.Nodes))
	for _, node := range w.Nodes {
		if node.ID == "" {
			return NewValidationError("workflow node is missing an id", map[string]interface{}{
				"workflow": w.ID,
			})
		}
		if node.StepType == "" {
			return NewValidationError("workflow node is missing a step type", map[string]interface{}{
				"node_id": node.ID,
			})
		}
		if _, dup := seen[node.ID]; dup {
			return NewValidationError("duplicate workflow node id", map[string]interface{}{
				"node_id": node.ID,
			})
		}
		seen[node.ID] = struct{}{}
	}

	for _, edge := range w.Edges {
		if _, ok := seen[edge.Source]; !ok {
			return NewValidationError("edge source references unknown node", map[string]interface{}{
				"source": edge.Source,
			})
		}
		if _, ok := seen[edge.Target]; !ok {
			return NewValidationError("edge target references unknown node", map[string]interface{}{
				"target": edge.Target,
			})
		}
	}

	for _, node := range w.Nodes {
		for _, src := range node.InputSources {
			switch src.Type {
			case InputSourcePreviousNode:
				if _, ok := seen[src.NodeID]; !ok {
					return NewValidationError("input source references unknown node", map[string]interface{}{
						"node_id": node.ID,
						"source":  src.NodeID,
					})
				}
			case InputSourceExternal:
			default:
				return NewValidationError(fmt.Sprintf("unknown input source type %q", src.Type), map[string]interface{}{
					"node_id": node.ID,
				})
			}
		}
	}

	if w.Settings.ScheduleTriggerNode != "" {
		if len(w.Nodes) == 0 || w.Nodes[0].ID != w.Settings.ScheduleTriggerNode {
			return NewValidationError("schedule trigger node must be first in node order", map[string]interface{}{
				"trigger_node": w.Settings.ScheduleTriggerNode,
			})
		}
	}

	switch w.Settings.ErrorHandling {
	case "", ErrorHandlingStop, ErrorHandlingContinue, ErrorHandlingRetry:
	default:
		return NewValidationError(fmt.Sprintf("unknown error handling policy %q", w.Settings.ErrorHandling), nil)
	}

	return nil
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *WorkflowNode {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}
