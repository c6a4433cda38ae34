// Package engine runs workflow graphs: it orders nodes topologically,
// resolves their inputs, dispatches to registered steps, and records one
// snapshot per visited node.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/steps"
	"github.com/eleven-am/conduit/internal/xjson"
	"github.com/google/uuid"
)

// Executor drives workflow executions. Start creates the execution record
// and queues it; Run performs the actual graph walk on a worker.
type Executor struct {
	workflows  ports.WorkflowRepository
	executions ports.ExecutionRepository
	registry   *steps.Registry
	connectors *steps.Connectors
	events     ports.EventPublisher
	logger     *slog.Logger

	mu        sync.Mutex
	cancelled map[string]string
}

func NewExecutor(
	workflows ports.WorkflowRepository,
	executions ports.ExecutionRepository,
	registry *steps.Registry,
	connectors *steps.Connectors,
	events ports.EventPublisher,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		workflows:  workflows,
		executions: executions,
		registry:   registry,
		connectors: connectors,
		events:     events,
		logger:     logger.With("component", "engine"),
		cancelled:  make(map[string]string),
	}
}

// Start snapshots the workflow into a new pending execution and persists it.
// The caller enqueues the returned execution for asynchronous running;
// concurrent edits to the stored workflow never affect the snapshot.
func (e *Executor) Start(workflowID string) (*domain.WorkflowExecution, error) {
	workflow, err := e.workflows.Get(workflowID)
	if err != nil {
		return nil, err
	}
	if err := workflow.Validate(); err != nil {
		return nil, err
	}
	if _, err := topologicalOrder(workflow); err != nil {
		return nil, err
	}

	execution := &domain.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: workflow.ID,
		Workflow:   *workflow,
		Status:     domain.ExecutionStatusPending,
		StartedAt:  time.Now(),
		Progress: domain.ExecutionProgress{
			TotalNodes: len(workflow.Nodes),
		},
	}
	if err := e.executions.Save(execution); err != nil {
		return nil, err
	}
	return execution, nil
}

// Cancel flags a running execution for cooperative cancellation. The flag is
// honored between node invocations, never mid-node.
func (e *Executor) Cancel(executionID, reason string) error {
	execution, err := e.executions.Get(executionID)
	if err != nil {
		return err
	}
	if execution.Status.Terminal() {
		return domain.NewConflictError("execution already finished", map[string]interface{}{
			"execution_id": executionID,
			"status":       string(execution.Status),
		})
	}

	e.mu.Lock()
	e.cancelled[executionID] = reason
	e.mu.Unlock()

	// A pending execution may never reach a worker; finish it here.
	if execution.Status == domain.ExecutionStatusPending {
		e.finish(execution, domain.ExecutionStatusCancelled, reason)
	}
	return nil
}

func (e *Executor) cancellationReason(executionID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason, ok := e.cancelled[executionID]
	return reason, ok
}

func (e *Executor) clearCancellation(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancelled, executionID)
}

// HandleJob adapts Run to the worker pool's handler shape.
func (e *Executor) HandleJob(ctx context.Context, job *domain.Job) error {
	var payload domain.WorkflowExecuteJob
	if err := xjson.Unmarshal(job.Payload, &payload); err != nil {
		return domain.NewValidationError(fmt.Sprintf("invalid execute payload: %v", err), nil)
	}
	return e.Run(ctx, payload.ExecutionID)
}

// Run walks the execution's graph snapshot node by node. Node execution is
// sequential in topological order; independent executions run concurrently
// on separate workers.
func (e *Executor) Run(ctx context.Context, executionID string) error {
	execution, err := e.executions.Get(executionID)
	if err != nil {
		return err
	}
	// Cleared even on the terminal early return, so a pre-run cancellation
	// never leaves a stale flag behind.
	defer e.clearCancellation(executionID)

	if execution.Status.Terminal() {
		e.logger.Debug("execution already finished", "execution_id", executionID)
		return nil
	}

	execution.Status = domain.ExecutionStatusRunning
	if err := e.executions.Save(execution); err != nil {
		return err
	}

	order, err := topologicalOrder(&execution.Workflow)
	if err != nil {
		e.finish(execution, domain.ExecutionStatusFailed, err.Error())
		return err
	}

	run := &graphRun{
		execution: execution,
		outputs:   make(map[string]*domain.Envelope),
		failed:    make(map[string]string),
		skipped:   make(map[string]struct{}),
	}

	for _, node := range order {
		if reason, ok := e.cancellationReason(executionID); ok {
			e.finish(execution, domain.ExecutionStatusCancelled, reason)
			return nil
		}

		if err := e.runNode(ctx, run, node); err != nil {
			e.finish(execution, domain.ExecutionStatusFailed, err.Error())
			return nil
		}
	}

	if len(run.failed) > 0 {
		names := make([]string, 0, len(run.failed))
		for id := range run.failed {
			names = append(names, id)
		}
		execution.Results = map[string]interface{}{"failed_nodes": names}
	}
	e.finish(execution, domain.ExecutionStatusCompleted, "")
	return nil
}

// graphRun is the per-run scratch state: node outputs held in memory for
// downstream consumption, plus failure and skip bookkeeping for the
// continue policy.
type graphRun struct {
	execution *domain.WorkflowExecution
	outputs   map[string]*domain.Envelope
	failed    map[string]string
	skipped   map[string]struct{}
}

// runNode executes one node. A returned error means the whole execution must
// stop; contained failures (continue policy) return nil.
func (e *Executor) runNode(ctx context.Context, run *graphRun, node *domain.WorkflowNode) error {
	execution := run.execution
	settings := execution.Workflow.Settings

	e.publishUpdate(execution, node.ID, domain.NodeStatusRunning)

	// A node depending on a failed or skipped upstream cannot resolve its
	// input; it is skipped, not failed.
	if blockedBy, blocked := e.blockedUpstream(run, node); blocked {
		e.recordSkip(run, node, nil, fmt.Sprintf("upstream node %s did not produce output", blockedBy))
		return nil
	}

	input, err := e.resolveInput(ctx, run, node)
	if err != nil {
		return e.nodeFailure(run, node, nil, err)
	}

	if !node.Enabled {
		e.recordSkip(run, node, input, "node disabled")
		run.outputs[node.ID] = input
		return nil
	}

	step, err := e.registry.Get(node.StepType)
	if err != nil {
		return e.nodeFailure(run, node, input, err)
	}

	started := time.Now()
	output, execErr := step.Execute(ctx, node.Config, input)

	if execErr != nil && settings.ErrorHandling == domain.ErrorHandlingRetry {
		for attempt := 1; attempt <= settings.MaxRetries && execErr != nil; attempt++ {
			e.logger.Warn("retrying node",
				"execution_id", execution.ID,
				"node_id", node.ID,
				"attempt", attempt,
				"error", execErr.Error(),
			)
			output, execErr = step.Execute(ctx, node.Config, input)
		}
	}

	if execErr != nil {
		return e.nodeFailure(run, node, input, execErr)
	}

	if output == nil {
		output = domain.NewEnvelope(nil)
	}

	completed := time.Now()
	snapshot := &domain.NodeExecutionSnapshot{
		ExecutionID: execution.ID,
		NodeID:      node.ID,
		StepType:    node.StepType,
		Status:      domain.NodeStatusCompleted,
		StartedAt:   started,
		CompletedAt: &completed,
		Input:       input.Summary(),
		Output:      output.Summary(),
		Metrics: domain.NodeMetrics{
			ProcessingTimeMs: completed.Sub(started).Milliseconds(),
			InputSizeBytes:   envelopeSize(input),
			OutputSizeBytes:  envelopeSize(output),
		},
	}
	e.saveSnapshot(snapshot)
	e.savePayloads(execution.ID, node.ID, input, output)

	run.outputs[node.ID] = output
	e.advanceProgress(execution, node.ID)
	e.publishUpdate(execution, node.ID, domain.NodeStatusCompleted)
	return nil
}

// advanceProgress counts one visited node. Skipped nodes count too, so a
// completed execution always reaches 100 percent.
func (e *Executor) advanceProgress(execution *domain.WorkflowExecution, nodeID string) {
	execution.Progress.CompletedNodes++
	execution.Progress.CurrentNodeID = nodeID
	execution.Progress.Percentage = percentage(execution.Progress.CompletedNodes, execution.Progress.TotalNodes)
	if err := e.executions.Save(execution); err != nil {
		e.logger.Error("failed to save execution progress", "execution_id", execution.ID, "error", err.Error())
	}
}

// nodeFailure applies the workflow's error handling policy. Retry has
// already been spent by the caller, so it falls through to stop semantics.
func (e *Executor) nodeFailure(run *graphRun, node *domain.WorkflowNode, input *domain.Envelope, cause error) error {
	execution := run.execution
	completed := time.Now()
	snapshot := &domain.NodeExecutionSnapshot{
		ExecutionID: execution.ID,
		NodeID:      node.ID,
		StepType:    node.StepType,
		Status:      domain.NodeStatusFailed,
		StartedAt:   completed,
		CompletedAt: &completed,
		Input:       input.Summary(),
		Error:       cause.Error(),
	}
	e.saveSnapshot(snapshot)
	e.publishUpdate(execution, node.ID, domain.NodeStatusFailed)

	e.logger.Error("node failed",
		"execution_id", execution.ID,
		"node_id", node.ID,
		"step_type", node.StepType,
		"error", cause.Error(),
	)

	if execution.Workflow.Settings.ErrorHandling == domain.ErrorHandlingContinue {
		run.failed[node.ID] = cause.Error()
		return nil
	}
	return cause
}

func (e *Executor) recordSkip(run *graphRun, node *domain.WorkflowNode, input *domain.Envelope, reason string) {
	run.skipped[node.ID] = struct{}{}
	now := time.Now()
	snapshot := &domain.NodeExecutionSnapshot{
		ExecutionID: run.execution.ID,
		NodeID:      node.ID,
		StepType:    node.StepType,
		Status:      domain.NodeStatusSkipped,
		StartedAt:   now,
		CompletedAt: &now,
		Input:       input.Summary(),
		Output:      input.Summary(),
		Logs:        []string{reason},
	}
	e.saveSnapshot(snapshot)
	e.advanceProgress(run.execution, node.ID)
	e.publishUpdate(run.execution, node.ID, domain.NodeStatusSkipped)
}

// blockedUpstream reports whether any previous_node input source points at a
// node that failed or was skipped without passthrough output.
func (e *Executor) blockedUpstream(run *graphRun, node *domain.WorkflowNode) (string, bool) {
	for _, src := range node.InputSources {
		if src.Type != domain.InputSourcePreviousNode {
			continue
		}
		if _, failed := run.failed[src.NodeID]; failed {
			return src.NodeID, true
		}
		if _, ok := run.outputs[src.NodeID]; !ok {
			if _, skipped := run.skipped[src.NodeID]; skipped {
				return src.NodeID, true
			}
		}
	}
	return "", false
}

// resolveInput concatenates the node's input sources in declared order.
// previous_node reads the in-memory output recorded earlier in this run;
// external calls the named connector.
func (e *Executor) resolveInput(ctx context.Context, run *graphRun, node *domain.WorkflowNode) (*domain.Envelope, error) {
	if len(node.InputSources) == 0 {
		return domain.NewEnvelope(nil), nil
	}

	merged := &domain.Envelope{}
	for _, src := range node.InputSources {
		switch src.Type {
		case domain.InputSourcePreviousNode:
			output, ok := run.outputs[src.NodeID]
			if !ok {
				return nil, domain.NewInternalError(fmt.Sprintf("output of upstream node %s is not available", src.NodeID), nil)
			}
			merged.Items = append(merged.Items, output.Items...)
			merged.Duplicates = append(merged.Duplicates, output.Duplicates...)
			merged.Excluded = append(merged.Excluded, output.Excluded...)
			if merged.Meta == nil && output.Meta != nil {
				merged.Meta = output.Meta
			}
		case domain.InputSourceExternal:
			connector, err := e.connectors.Get(src.Connector)
			if err != nil {
				return nil, err
			}
			records, err := connector.Fetch(ctx, src.Filters)
			if err != nil {
				return nil, err
			}
			merged.Items = append(merged.Items, records...)
		default:
			return nil, domain.NewValidationError(fmt.Sprintf("unknown input source type %q", src.Type), map[string]interface{}{
				"node_id": node.ID,
			})
		}
	}
	return merged.Normalize(), nil
}

func (e *Executor) finish(execution *domain.WorkflowExecution, status domain.ExecutionStatus, message string) {
	now := time.Now()
	execution.Status = status
	execution.CompletedAt = &now
	if status == domain.ExecutionStatusCompleted {
		// Contained failures under the continue policy do not advance
		// progress, so pin the finished execution at 100 percent.
		execution.Progress.Percentage = 100
	}
	if status == domain.ExecutionStatusFailed || status == domain.ExecutionStatusCancelled {
		execution.Error = message
	}
	if err := e.executions.Save(execution); err != nil {
		e.logger.Error("failed to save finished execution", "execution_id", execution.ID, "error", err.Error())
	}

	e.logger.Info("execution finished",
		"execution_id", execution.ID,
		"workflow_id", execution.WorkflowID,
		"status", string(status),
		"duration", now.Sub(execution.StartedAt),
	)

	settings := execution.Workflow.Settings
	payload := domain.ExecutionTerminalPayload{
		ExecutionID: execution.ID,
		WorkflowID:  execution.WorkflowID,
		Status:      status,
		Results:     execution.Results,
		Error:       execution.Error,
		Duration:    now.Sub(execution.StartedAt),
	}
	switch status {
	case domain.ExecutionStatusCompleted:
		if settings.NotifyOnCompletion {
			e.events.Publish(domain.NewEvent(domain.EventExecutionCompleted, payload))
		}
	case domain.ExecutionStatusFailed:
		if settings.NotifyOnFailure {
			e.events.Publish(domain.NewEvent(domain.EventExecutionFailed, payload))
		}
	}
}

func (e *Executor) publishUpdate(execution *domain.WorkflowExecution, nodeID string, status domain.NodeExecutionStatus) {
	e.events.Publish(domain.NewEvent(domain.EventExecutionUpdate, domain.ExecutionUpdatePayload{
		ExecutionID:       execution.ID,
		WorkflowID:        execution.WorkflowID,
		CurrentNodeID:     nodeID,
		CurrentNodeStatus: status,
		Progress:          execution.Progress,
		Status:            execution.Status,
	}))
}

func (e *Executor) saveSnapshot(snapshot *domain.NodeExecutionSnapshot) {
	if err := e.executions.SaveSnapshot(snapshot); err != nil {
		e.logger.Error("failed to save node snapshot",
			"execution_id", snapshot.ExecutionID,
			"node_id", snapshot.NodeID,
			"error", err.Error(),
		)
	}
}

func (e *Executor) savePayloads(executionID, nodeID string, input, output *domain.Envelope) {
	if err := e.executions.SavePayload(executionID, nodeID, "input", input); err != nil {
		e.logger.Error("failed to save input payload", "execution_id", executionID, "node_id", nodeID, "error", err.Error())
	}
	if err := e.executions.SavePayload(executionID, nodeID, "output", output); err != nil {
		e.logger.Error("failed to save output payload", "execution_id", executionID, "node_id", nodeID, "error", err.Error())
	}
}

// topologicalOrder computes the node visiting order from edges and
// previous_node input sources. Ties break in declaration order, so the order
// is deterministic for a given workflow.
func topologicalOrder(workflow *domain.Workflow) ([]*domain.WorkflowNode, error) {
	indegree := make(map[string]int, len(workflow.Nodes))
	dependents := make(map[string][]string, len(workflow.Nodes))
	for _, node := range workflow.Nodes {
		indegree[node.ID] = 0
	}

	addEdge := func(from, to string) {
		dependents[from] = append(dependents[from], to)
		indegree[to]++
	}
	seen := make(map[string]struct{})
	for _, edge := range workflow.Edges {
		key := edge.Source + "->" + edge.Target
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		addEdge(edge.Source, edge.Target)
	}
	for _, node := range workflow.Nodes {
		for _, src := range node.InputSources {
			if src.Type != domain.InputSourcePreviousNode {
				continue
			}
			key := src.NodeID + "->" + node.ID
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			addEdge(src.NodeID, node.ID)
		}
	}

	order := make([]*domain.WorkflowNode, 0, len(workflow.Nodes))
	done := make(map[string]struct{}, len(workflow.Nodes))
	for len(order) < len(workflow.Nodes) {
		progressed := false
		for i := range workflow.Nodes {
			node := &workflow.Nodes[i]
			if _, visited := done[node.ID]; visited {
				continue
			}
			if indegree[node.ID] > 0 {
				continue
			}
			done[node.ID] = struct{}{}
			order = append(order, node)
			for _, dep := range dependents[node.ID] {
				indegree[dep]--
			}
			progressed = true
			break
		}
		if !progressed {
			return nil, domain.NewValidationError("workflow graph contains a cycle", map[string]interface{}{
				"workflow": workflow.ID,
			})
		}
	}
	return order, nil
}

func envelopeSize(env *domain.Envelope) int64 {
	if env == nil {
		return 0
	}
	raw, err := xjson.Marshal(env)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}

func percentage(completed, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(completed) / float64(total) * 100
}
