package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/steps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWorkflows struct {
	mu        sync.Mutex
	workflows map[string]*domain.Workflow
}

func newMemWorkflows() *memWorkflows {
	return &memWorkflows{workflows: make(map[string]*domain.Workflow)}
}

func (m *memWorkflows) Save(w *domain.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[w.ID] = w
	return nil
}

func (m *memWorkflows) Get(id string) (*domain.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, domain.NewNotFoundError("workflow", id)
	}
	return w, nil
}

func (m *memWorkflows) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	return nil
}

func (m *memWorkflows) List() ([]*domain.Workflow, error) { return nil, nil }

type memExecutions struct {
	mu         sync.Mutex
	executions map[string]*domain.WorkflowExecution
	snapshots  map[string][]*domain.NodeExecutionSnapshot
	payloads   map[string]*domain.Envelope
}

func newMemExecutions() *memExecutions {
	return &memExecutions{
		executions: make(map[string]*domain.WorkflowExecution),
		snapshots:  make(map[string][]*domain.NodeExecutionSnapshot),
		payloads:   make(map[string]*domain.Envelope),
	}
}

func (m *memExecutions) Save(e *domain.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *e
	m.executions[e.ID] = &clone
	return nil
}

func (m *memExecutions) Get(id string) (*domain.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, domain.NewNotFoundError("execution", id)
	}
	clone := *e
	return &clone, nil
}

func (m *memExecutions) SaveSnapshot(s *domain.NodeExecutionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.ExecutionID] = append(m.snapshots[s.ExecutionID], s)
	return nil
}

func (m *memExecutions) GetSnapshot(executionID, nodeID string) (*domain.NodeExecutionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.snapshots[executionID] {
		if s.NodeID == nodeID {
			return s, nil
		}
	}
	return nil, domain.NewNotFoundError("node snapshot", nodeID)
}

func (m *memExecutions) ListSnapshots(executionID string) ([]*domain.NodeExecutionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[executionID], nil
}

func (m *memExecutions) SavePayload(executionID, nodeID, direction string, env *domain.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[executionID+"/"+nodeID+"/"+direction] = env
	return nil
}

func (m *memExecutions) GetPayload(executionID, nodeID, direction string) (*domain.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.payloads[executionID+"/"+nodeID+"/"+direction]
	if !ok {
		return nil, domain.NewNotFoundError("node payload", nodeID)
	}
	return env, nil
}

type memEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memEvents) Publish(e domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *memEvents) Subscribe() (<-chan domain.Event, func()) {
	ch := make(chan domain.Event)
	close(ch)
	return ch, func() {}
}

func (m *memEvents) Close() error { return nil }

func (m *memEvents) byType(t domain.EventType) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// recordingStep emits canned output and remembers what it saw.
type recordingStep struct {
	name   string
	output *domain.Envelope
	fail   bool
	mu     sync.Mutex
	calls  int
	inputs []*domain.Envelope
}

func (s *recordingStep) Name() string { return s.name }

func (s *recordingStep) Execute(_ context.Context, _ map[string]interface{}, input *domain.Envelope) (*domain.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.inputs = append(s.inputs, input)
	if s.fail {
		return nil, domain.NewInternalError("step exploded", nil)
	}
	if s.output != nil {
		return s.output, nil
	}
	return input, nil
}

type harness struct {
	executor   *Executor
	workflows  *memWorkflows
	executions *memExecutions
	events     *memEvents
	registry   *steps.Registry
	connectors *steps.Connectors
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	workflows := newMemWorkflows()
	executions := newMemExecutions()
	events := &memEvents{}
	registry := steps.NewRegistry()
	connectors := steps.NewConnectors()
	connectors.Register(steps.StaticConnector{})
	return &harness{
		executor:   NewExecutor(workflows, executions, registry, connectors, events, nil),
		workflows:  workflows,
		executions: executions,
		events:     events,
		registry:   registry,
		connectors: connectors,
	}
}

func (h *harness) execute(t *testing.T, workflow *domain.Workflow) *domain.WorkflowExecution {
	t.Helper()
	require.NoError(t, h.workflows.Save(workflow))
	execution, err := h.executor.Start(workflow.ID)
	require.NoError(t, err)
	require.NoError(t, h.executor.Run(context.Background(), execution.ID))
	final, err := h.executions.Get(execution.ID)
	require.NoError(t, err)
	return final
}

func node(id, stepType string, inputs ...domain.InputSource) domain.WorkflowNode {
	return domain.WorkflowNode{
		ID:           id,
		StepType:     stepType,
		Name:         id,
		Enabled:      true,
		InputSources: inputs,
	}
}

func fromNode(id string) domain.InputSource {
	return domain.InputSource{Type: domain.InputSourcePreviousNode, NodeID: id}
}

func records(n int) *domain.Envelope {
	items := make([]map[string]interface{}, n)
	for i := range items {
		items[i] = map[string]interface{}{"id": fmt.Sprintf("r%d", i)}
	}
	return domain.NewEnvelope(items)
}

func TestExecuteProducesOneSnapshotPerNode(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&recordingStep{name: "source", output: records(3)})
	h.registry.Register(&recordingStep{name: "sink"})

	workflow := &domain.Workflow{
		ID:   "w1",
		Name: "linear",
		Nodes: []domain.WorkflowNode{
			node("a", "source"),
			node("b", "sink", fromNode("a")),
			node("c", "sink", fromNode("b")),
		},
	}
	execution := h.execute(t, workflow)

	assert.Equal(t, domain.ExecutionStatusCompleted, execution.Status)
	snapshots, err := h.executions.ListSnapshots(execution.ID)
	require.NoError(t, err)
	assert.Len(t, snapshots, 3)
	assert.Equal(t, 3, execution.Progress.CompletedNodes)
	assert.Equal(t, float64(100), execution.Progress.Percentage)
}

func TestExecuteVisitsInTopologicalOrderWithDeclarationTieBreak(t *testing.T) {
	h := newHarness(t)
	var order []string
	for _, name := range []string{"s1", "s2", "s3"} {
		name := name
		h.registry.Register(&orderStep{name: name, order: &order})
	}

	// b and c are both roots; declaration order decides b first.
	workflow := &domain.Workflow{
		ID:   "w1",
		Name: "diamond",
		Nodes: []domain.WorkflowNode{
			node("b", "s1"),
			node("c", "s2"),
			node("d", "s3", fromNode("b"), fromNode("c")),
		},
	}
	h.execute(t, workflow)

	assert.Equal(t, []string{"s1", "s2", "s3"}, order)
}

type orderStep struct {
	name  string
	order *[]string
	mu    sync.Mutex
}

func (s *orderStep) Name() string { return s.name }

func (s *orderStep) Execute(_ context.Context, _ map[string]interface{}, input *domain.Envelope) (*domain.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.order = append(*s.order, s.name)
	return input, nil
}

func TestDisabledNodeIsSkippedWithPassthrough(t *testing.T) {
	h := newHarness(t)
	source := &recordingStep{name: "source", output: records(2)}
	sink := &recordingStep{name: "sink"}
	h.registry.Register(source)
	h.registry.Register(sink)

	disabled := node("b", "sink", fromNode("a"))
	disabled.Enabled = false
	workflow := &domain.Workflow{
		ID:    "w1",
		Name:  "skip",
		Nodes: []domain.WorkflowNode{node("a", "source"), disabled, node("c", "sink", fromNode("b"))},
	}
	execution := h.execute(t, workflow)

	assert.Equal(t, domain.ExecutionStatusCompleted, execution.Status)
	snapshot, err := h.executions.GetSnapshot(execution.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.NodeStatusSkipped, snapshot.Status)

	// c received a's output through the disabled node.
	require.Len(t, sink.inputs, 1)
	assert.Equal(t, 2, sink.inputs[0].Count)
}

func TestStopPolicyHaltsExecution(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&recordingStep{name: "source", output: records(1)})
	h.registry.Register(&recordingStep{name: "boom", fail: true})
	sink := &recordingStep{name: "sink"}
	h.registry.Register(sink)

	workflow := &domain.Workflow{
		ID:   "w1",
		Name: "stop",
		Nodes: []domain.WorkflowNode{
			node("a", "source"),
			node("b", "boom", fromNode("a")),
			node("c", "sink", fromNode("b")),
		},
		Settings: domain.WorkflowSettings{ErrorHandling: domain.ErrorHandlingStop},
	}
	execution := h.execute(t, workflow)

	assert.Equal(t, domain.ExecutionStatusFailed, execution.Status)
	assert.NotEmpty(t, execution.Error)
	assert.Equal(t, 0, sink.calls)

	// Partial snapshots stay queryable after a stop.
	snapshots, err := h.executions.ListSnapshots(execution.ID)
	require.NoError(t, err)
	assert.Len(t, snapshots, 2)
}

func TestContinuePolicyContainsFailure(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&recordingStep{name: "source", output: records(1)})
	h.registry.Register(&recordingStep{name: "boom", fail: true})
	dependent := &recordingStep{name: "dependent"}
	independent := &recordingStep{name: "independent"}
	h.registry.Register(dependent)
	h.registry.Register(independent)

	workflow := &domain.Workflow{
		ID:   "w1",
		Name: "contain",
		Nodes: []domain.WorkflowNode{
			node("a", "source"),
			node("b", "boom", fromNode("a")),
			node("c", "dependent", fromNode("b")),
			node("d", "independent", fromNode("a")),
		},
		Settings: domain.WorkflowSettings{ErrorHandling: domain.ErrorHandlingContinue},
	}
	execution := h.execute(t, workflow)

	assert.Equal(t, domain.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, 1, independent.calls, "nodes not needing the failed output still run")
	assert.Equal(t, 0, dependent.calls)

	snapshot, err := h.executions.GetSnapshot(execution.ID, "c")
	require.NoError(t, err)
	assert.Equal(t, domain.NodeStatusSkipped, snapshot.Status)
}

func TestRetryPolicyRetriesThenStops(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&recordingStep{name: "source", output: records(1)})
	boom := &recordingStep{name: "boom", fail: true}
	h.registry.Register(boom)

	workflow := &domain.Workflow{
		ID:   "w1",
		Name: "retry",
		Nodes: []domain.WorkflowNode{
			node("a", "source"),
			node("b", "boom", fromNode("a")),
		},
		Settings: domain.WorkflowSettings{
			ErrorHandling: domain.ErrorHandlingRetry,
			MaxRetries:    2,
		},
	}
	execution := h.execute(t, workflow)

	assert.Equal(t, domain.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, 3, boom.calls, "initial attempt plus two retries")
}

func TestCancelBetweenNodes(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&recordingStep{name: "source", output: records(1)})
	sink := &recordingStep{name: "sink"}
	h.registry.Register(sink)

	workflow := &domain.Workflow{
		ID:    "w1",
		Name:  "cancel",
		Nodes: []domain.WorkflowNode{node("a", "source"), node("b", "sink", fromNode("a"))},
	}
	require.NoError(t, h.workflows.Save(workflow))
	execution, err := h.executor.Start(workflow.ID)
	require.NoError(t, err)

	// Pending executions cancel immediately.
	require.NoError(t, h.executor.Cancel(execution.ID, "operator request"))
	final, err := h.executions.Get(execution.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCancelled, final.Status)
	assert.Equal(t, "operator request", final.Error)

	require.NoError(t, h.executor.Run(context.Background(), execution.ID))
	assert.Equal(t, 0, sink.calls)

	err = h.executor.Cancel(execution.ID, "again")
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
}

func TestCancelBeforeRunLeavesNoStaleFlag(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&recordingStep{name: "source", output: records(1)})

	workflow := &domain.Workflow{
		ID:    "w1",
		Name:  "pre-run-cancel",
		Nodes: []domain.WorkflowNode{node("a", "source")},
	}
	require.NoError(t, h.workflows.Save(workflow))
	execution, err := h.executor.Start(workflow.ID)
	require.NoError(t, err)

	require.NoError(t, h.executor.Cancel(execution.ID, "operator request"))

	// The worker still picks the job up; the early return on the already
	// finished execution must clear the cancellation flag.
	require.NoError(t, h.executor.Run(context.Background(), execution.ID))

	h.executor.mu.Lock()
	remaining := len(h.executor.cancelled)
	h.executor.mu.Unlock()
	assert.Equal(t, 0, remaining)
}

func TestCompletedExecutionWithSkippedNodesReportsFullProgress(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&recordingStep{name: "source", output: records(1)})
	h.registry.Register(&recordingStep{name: "sink"})

	disabled := node("b", "sink", fromNode("a"))
	disabled.Enabled = false
	workflow := &domain.Workflow{
		ID:    "w1",
		Name:  "skip-progress",
		Nodes: []domain.WorkflowNode{node("a", "source"), disabled, node("c", "sink", fromNode("b"))},
	}
	execution := h.execute(t, workflow)

	require.Equal(t, domain.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, 3, execution.Progress.CompletedNodes, "skipped nodes count as visited")
	assert.Equal(t, float64(100), execution.Progress.Percentage)
}

func TestCompletedExecutionWithContainedFailureReportsFullProgress(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&recordingStep{name: "source", output: records(1)})
	h.registry.Register(&recordingStep{name: "boom", fail: true})

	workflow := &domain.Workflow{
		ID:   "w1",
		Name: "contained-progress",
		Nodes: []domain.WorkflowNode{
			node("a", "source"),
			node("b", "boom", fromNode("a")),
		},
		Settings: domain.WorkflowSettings{ErrorHandling: domain.ErrorHandlingContinue},
	}
	execution := h.execute(t, workflow)

	require.Equal(t, domain.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, float64(100), execution.Progress.Percentage)
}

type memEntities struct {
	mu       sync.Mutex
	entities map[string]map[string]interface{}
}

func pipelineEntities() *memEntities {
	return &memEntities{entities: map[string]map[string]interface{}{
		"post/p1": {"id": "p1"},
		"post/p2": {"id": "p2"},
		"post/p3": {"id": "p3"},
	}}
}

func (m *memEntities) Load(entityType, id string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entity, ok := m.entities[entityType+"/"+id]
	if !ok {
		return nil, domain.NewNotFoundError(entityType, id)
	}
	return entity, nil
}

func (m *memEntities) Save(entityType, id string, entity map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[entityType+"/"+id] = entity
	return nil
}

func (m *memEntities) Delete(entityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityType + "/" + id
	if _, ok := m.entities[key]; !ok {
		return domain.NewNotFoundError(entityType, id)
	}
	delete(m.entities, key)
	return nil
}

func (m *memEntities) FindByHash(string, string) (string, bool, error) { return "", false, nil }

func (m *memEntities) SaveWithHash(entityType, id, _ string, entity map[string]interface{}) error {
	return m.Save(entityType, id, entity)
}

func TestDedupPipelineScenario(t *testing.T) {
	h := newHarness(t)
	entities := pipelineEntities()
	h.registry.Register(&recordingStep{name: "datasource_fixture", output: domain.NewEnvelope([]map[string]interface{}{
		{"id": "p1", "meta": map[string]interface{}{"post_message": "breaking news today"}},
		{"id": "p2", "meta": map[string]interface{}{"post_message": "breaking  news today"}},
		{"id": "p3", "meta": map[string]interface{}{"post_message": "totally different story"}},
	})})
	h.registry.Register(steps.NewDuplicate(nil))
	h.registry.Register(steps.NewDeleter(entities, nil))

	dupNode := node("duplicate_segment", "duplicate", fromNode("datasource"))
	dupNode.Config = map[string]interface{}{
		"contentField":        "meta.post_message",
		"ignoreWhitespace":    true,
		"similarityThreshold": 0.9,
	}
	delNode := node("post_deleter", "deleter", fromNode("duplicate_segment"))
	delNode.Config = map[string]interface{}{
		"entityType":    "post",
		"useDuplicates": false,
		"mappings":      map[string]interface{}{"id": "duplicates.id"},
	}
	workflow := &domain.Workflow{
		ID:    "w1",
		Name:  "dedup-pipeline",
		Nodes: []domain.WorkflowNode{node("datasource", "datasource_fixture"), dupNode, delNode},
	}
	execution := h.execute(t, workflow)

	require.Equal(t, domain.ExecutionStatusCompleted, execution.Status)

	dupOutput, err := h.executions.GetPayload(execution.ID, "duplicate_segment", "output")
	require.NoError(t, err)
	assert.Len(t, dupOutput.Duplicates, 1)

	// Only the flagged near-duplicate was deleted.
	_, err = entities.Load("post", "p2")
	assert.True(t, domain.IsNotFound(err))
	remaining := 0
	for _, id := range []string{"p1", "p3"} {
		if _, err := entities.Load("post", id); err == nil {
			remaining++
		}
	}
	assert.Equal(t, 2, remaining)
}

func TestExecutionSnapshotIsolatedFromEdits(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&recordingStep{name: "source", output: records(1)})

	workflow := &domain.Workflow{
		ID:    "w1",
		Name:  "isolated",
		Nodes: []domain.WorkflowNode{node("a", "source")},
	}
	require.NoError(t, h.workflows.Save(workflow))
	execution, err := h.executor.Start(workflow.ID)
	require.NoError(t, err)

	// Mutate the stored workflow after the snapshot was taken.
	workflow.Nodes = nil
	require.NoError(t, h.workflows.Save(workflow))

	require.NoError(t, h.executor.Run(context.Background(), execution.ID))
	final, err := h.executions.Get(execution.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, 1, final.Progress.CompletedNodes)
}

func TestStartRejectsCyclicWorkflow(t *testing.T) {
	h := newHarness(t)
	workflow := &domain.Workflow{
		ID:   "w1",
		Name: "cycle",
		Nodes: []domain.WorkflowNode{
			node("a", "x", fromNode("b")),
			node("b", "x", fromNode("a")),
		},
	}
	require.NoError(t, h.workflows.Save(workflow))

	_, err := h.executor.Start("w1")
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}
