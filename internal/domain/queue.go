package domain

import (
	"fmt"
	"time"

	"github.com/eleven-am/conduit/internal/xjson"
)

type JobType string

const (
	JobWorkflowExecute JobType = "workflow.execute"
	JobDocumentStage   JobType = "document.stage"
	JobLLMProcess      JobType = "llm.process"
)

// Job is the envelope every queued unit of work travels in. RetryCount is
// the queue-level count, independent of the engine's node-level maxRetries.
type Job struct {
	ID         string           `json:"id"`
	Type       JobType          `json:"type"`
	Payload    xjson.RawMessage `json:"payload"`
	RetryCount int              `json:"retry_count"`
	MaxRetries int              `json:"max_retries"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

func (j *Job) ToBytes() ([]byte, error) {
	return xjson.Marshal(j)
}

func JobFromBytes(data []byte) (*Job, error) {
	var job Job
	err := xjson.Unmarshal(data, &job)
	return &job, err
}

// WorkflowExecuteJob asks a worker to run one already-created execution.
type WorkflowExecuteJob struct {
	ExecutionID string `json:"execution_id"`
}

// DocumentStageJob asks a worker to advance one document's stage machine.
type DocumentStageJob struct {
	DocumentID string `json:"document_id"`
}

type QueueItem struct {
	Data      []byte    `json:"data"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func NewQueueItem(data []byte, sequence int64) *QueueItem {
	return &QueueItem{
		Data:      data,
		Sequence:  sequence,
		Timestamp: time.Now(),
	}
}

func (q *QueueItem) ToBytes() ([]byte, error) {
	return xjson.Marshal(q)
}

func QueueItemFromBytes(data []byte) (*QueueItem, error) {
	var item QueueItem
	err := xjson.Unmarshal(data, &item)
	return &item, err
}

type ClaimedItem struct {
	Data      []byte    `json:"data"`
	ClaimID   string    `json:"claim_id"`
	ClaimedAt time.Time `json:"claimed_at"`
	Sequence  int64     `json:"sequence"`
}

func NewClaimedItem(data []byte, claimID string, sequence int64) *ClaimedItem {
	return &ClaimedItem{
		Data:      data,
		ClaimID:   claimID,
		ClaimedAt: time.Now(),
		Sequence:  sequence,
	}
}

func (c *ClaimedItem) ToBytes() ([]byte, error) {
	return xjson.Marshal(c)
}

func ClaimedItemFromBytes(data []byte) (*ClaimedItem, error) {
	var item ClaimedItem
	err := xjson.Unmarshal(data, &item)
	return &item, err
}

type DeadLetterQueueItem struct {
	ID         string    `json:"id"`
	Data       []byte    `json:"data"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
	Sequence   int64     `json:"sequence"`
}

func NewDeadLetterQueueItem(data []byte, reason string, retryCount int, sequence int64) *DeadLetterQueueItem {
	return &DeadLetterQueueItem{
		ID:         fmt.Sprintf("dlq-%d-%d", sequence, time.Now().UnixNano()),
		Data:       data,
		Reason:     reason,
		Timestamp:  time.Now(),
		RetryCount: retryCount,
		Sequence:   sequence,
	}
}

func (d *DeadLetterQueueItem) ToBytes() ([]byte, error) {
	return xjson.Marshal(d)
}

func DeadLetterQueueItemFromBytes(data []byte) (*DeadLetterQueueItem, error) {
	var item DeadLetterQueueItem
	err := xjson.Unmarshal(data, &item)
	return &item, err
}

func QueuePendingKey(name string, sequence int64) string {
	return fmt.Sprintf("queue:%s:pending:%020d", name, sequence)
}

func QueuePendingPrefix(name string) string {
	return fmt.Sprintf("queue:%s:pending:", name)
}

func QueueClaimedKey(name, claimID string) string {
	return fmt.Sprintf("queue:%s:claimed:%s", name, claimID)
}

func QueueClaimedPrefix(name string) string {
	return fmt.Sprintf("queue:%s:claimed:", name)
}

func QueueSequenceKey(name string) string {
	return fmt.Sprintf("queue:%s:sequence", name)
}

func QueueDeadLetterKey(name, itemID string) string {
	return fmt.Sprintf("queue:%s:deadletter:%s", name, itemID)
}

func QueueDeadLetterPrefix(name string) string {
	return fmt.Sprintf("queue:%s:deadletter:", name)
}

// The counter lives outside the deadletter: item prefix so prefix scans
// over dead-letter items never see it.
func QueueDeadLetterSequenceKey(name string) string {
	return fmt.Sprintf("queue:%s:deadletter-sequence", name)
}
