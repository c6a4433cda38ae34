package domain

import "fmt"

const (
	WorkflowConfigPrefix = "workflow:config:"
	ExecutionPrefix      = "workflow:execution:"
	DocumentPrefix       = "document:"
	EntityPrefix         = "entity:"
)

// WorkflowConfigKey builds the canonical key for a stored workflow definition.
func WorkflowConfigKey(id string) string {
	return fmt.Sprintf("%s%s", WorkflowConfigPrefix, id)
}

// ExecutionKey builds the key for a workflow execution record.
func ExecutionKey(id string) string {
	return fmt.Sprintf("%s%s", ExecutionPrefix, id)
}

// NodeSnapshotKey builds the key for one node's execution snapshot.
func NodeSnapshotKey(executionID, nodeID string) string {
	return fmt.Sprintf("%s%s:node:%s", ExecutionPrefix, executionID, nodeID)
}

// NodePayloadKey builds the key for a snapshot's full input/output payload,
// stored apart from the snapshot so detail reads stay bounded.
func NodePayloadKey(executionID, nodeID, direction string) string {
	return fmt.Sprintf("%s%s:payload:%s:%s", ExecutionPrefix, executionID, nodeID, direction)
}

// DocumentKey builds the key for a document record.
func DocumentKey(id string) string {
	return fmt.Sprintf("%s%s", DocumentPrefix, id)
}

// SegmentKey builds the key for a document segment; the zero-padded position
// keeps prefix iteration in segment order.
func SegmentKey(documentID string, position int) string {
	return fmt.Sprintf("%s%s:segment:%06d", DocumentPrefix, documentID, position)
}

// SegmentPrefix is the iteration prefix for all segments of a document.
func SegmentPrefix(documentID string) string {
	return fmt.Sprintf("%s%s:segment:", DocumentPrefix, documentID)
}

// EntityKey builds the key for a generic business entity record.
func EntityKey(entityType, id string) string {
	return fmt.Sprintf("%s%s:%s", EntityPrefix, entityType, id)
}

// EntityHashKey indexes an entity id by its deduplication hash.
func EntityHashKey(entityType, hash string) string {
	return fmt.Sprintf("%s%s:hash:%s", EntityPrefix, entityType, hash)
}

// EntityTypePrefix is the iteration prefix for all entities of a type.
func EntityTypePrefix(entityType string) string {
	return fmt.Sprintf("%s%s:", EntityPrefix, entityType)
}
