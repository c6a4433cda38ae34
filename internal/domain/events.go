package domain

import "time"

type EventType string

const (
	EventConnected          EventType = "CONNECTED"
	EventExecutionUpdate    EventType = "WORKFLOW_EXECUTION_UPDATE"
	EventExecutionCompleted EventType = "WORKFLOW_EXECUTION_COMPLETED"
	EventExecutionFailed    EventType = "WORKFLOW_EXECUTION_FAILED"
	EventDocumentUpdate     EventType = "DOCUMENT_PROCESSING_UPDATE"
)

type Event struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewEvent(t EventType, payload interface{}) Event {
	return Event{Type: t, Payload: payload, Timestamp: time.Now()}
}

type ExecutionUpdatePayload struct {
	ExecutionID       string              `json:"execution_id"`
	WorkflowID        string              `json:"workflow_id"`
	CurrentNodeID     string              `json:"current_node_id"`
	CurrentNodeStatus NodeExecutionStatus `json:"current_node_status"`
	Progress          ExecutionProgress   `json:"progress"`
	Status            ExecutionStatus     `json:"status"`
}

type ExecutionTerminalPayload struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      ExecutionStatus        `json:"status"`
	Results     map[string]interface{} `json:"results,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Duration    time.Duration          `json:"duration"`
}

type DocumentUpdatePayload struct {
	DocumentID     string         `json:"document_id"`
	Status         IndexingStatus `json:"status"`
	Stage          Stage          `json:"stage,omitempty"`
	ProcessedCount int            `json:"processed_count"`
	TotalCount     int            `json:"total_count"`
	Error          string         `json:"error,omitempty"`
}
