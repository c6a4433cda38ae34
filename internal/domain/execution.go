package domain

import (
	"sort"
	"time"
)

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusPaused    ExecutionStatus = "paused"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

type ExecutionProgress struct {
	CurrentNodeID  string  `json:"current_node_id"`
	CompletedNodes int     `json:"completed_nodes"`
	TotalNodes     int     `json:"total_nodes"`
	Percentage     float64 `json:"percentage"`
	Message        string  `json:"message,omitempty"`
}

// WorkflowExecution owns a read-only snapshot of the graph taken at trigger
// time; concurrent edits to the stored workflow never affect it.
type WorkflowExecution struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	Workflow    Workflow               `json:"workflow"`
	Status      ExecutionStatus        `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Progress    ExecutionProgress      `json:"progress"`
	Results     map[string]interface{} `json:"results,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

type NodeExecutionStatus string

const (
	NodeStatusRunning   NodeExecutionStatus = "running"
	NodeStatusCompleted NodeExecutionStatus = "completed"
	NodeStatusFailed    NodeExecutionStatus = "failed"
	NodeStatusSkipped   NodeExecutionStatus = "skipped"
)

type NodeMetrics struct {
	ProcessingTimeMs int64 `json:"processing_time_ms"`
	InputSizeBytes   int64 `json:"input_size_bytes"`
	OutputSizeBytes  int64 `json:"output_size_bytes"`
}

// NodeExecutionSnapshot records one node's single execution. Input and
// output carry a bounded summary inline; the full payloads are persisted
// under separate keys and fetched lazily.
type NodeExecutionSnapshot struct {
	ExecutionID string              `json:"execution_id"`
	NodeID      string              `json:"node_id"`
	StepType    string              `json:"step_type"`
	Status      NodeExecutionStatus `json:"status"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Input       *EnvelopeSummary    `json:"input,omitempty"`
	Output      *EnvelopeSummary    `json:"output,omitempty"`
	Metrics     NodeMetrics         `json:"metrics"`
	Logs        []string            `json:"logs,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Envelope is the tagged shape of data flowing between nodes: a record list
// with a count, a best-effort schema, and side channels populated by filter
// and deduplication steps.
type Envelope struct {
	Count      int                      `json:"count"`
	Schema     []string                 `json:"schema,omitempty"`
	Items      []map[string]interface{} `json:"items"`
	Duplicates []map[string]interface{} `json:"duplicates,omitempty"`
	Excluded   []map[string]interface{} `json:"excluded,omitempty"`
	Meta       map[string]interface{}   `json:"meta,omitempty"`
}

// EnvelopeSummary bounds snapshot size: counts and schema inline, plus at
// most sampleSize leading items.
type EnvelopeSummary struct {
	Count      int                      `json:"count"`
	Schema     []string                 `json:"schema,omitempty"`
	Sample     []map[string]interface{} `json:"sample,omitempty"`
	Duplicates int                      `json:"duplicates,omitempty"`
	Excluded   int                      `json:"excluded,omitempty"`
}

const sampleSize = 5

func NewEnvelope(items []map[string]interface{}) *Envelope {
	env := &Envelope{Items: items, Count: len(items)}
	env.Schema = schemaOf(items)
	return env
}

// Normalize recomputes count and schema after items were replaced.
func (e *Envelope) Normalize() *Envelope {
	e.Count = len(e.Items)
	e.Schema = schemaOf(e.Items)
	return e
}

func (e *Envelope) Summary() *EnvelopeSummary {
	if e == nil {
		return nil
	}
	sample := e.Items
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}
	return &EnvelopeSummary{
		Count:      e.Count,
		Schema:     e.Schema,
		Sample:     sample,
		Duplicates: len(e.Duplicates),
		Excluded:   len(e.Excluded),
	}
}

func schemaOf(items []map[string]interface{}) []string {
	if len(items) == 0 {
		return nil
	}
	fields := make(map[string]struct{})
	limit := len(items)
	if limit > sampleSize {
		limit = sampleSize
	}
	for _, item := range items[:limit] {
		for k := range item {
			fields[k] = struct{}{}
		}
	}
	schema := make([]string, 0, len(fields))
	for k := range fields {
		schema = append(schema, k)
	}
	sort.Strings(schema)
	return schema
}
