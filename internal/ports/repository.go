package ports

import "github.com/eleven-am/conduit/internal/domain"

type WorkflowRepository interface {
	Save(workflow *domain.Workflow) error
	Get(id string) (*domain.Workflow, error)
	Delete(id string) error
	List() ([]*domain.Workflow, error)
}

type ExecutionRepository interface {
	Save(execution *domain.WorkflowExecution) error
	Get(id string) (*domain.WorkflowExecution, error)
	SaveSnapshot(snapshot *domain.NodeExecutionSnapshot) error
	GetSnapshot(executionID, nodeID string) (*domain.NodeExecutionSnapshot, error)
	ListSnapshots(executionID string) ([]*domain.NodeExecutionSnapshot, error)
	SavePayload(executionID, nodeID, direction string, envelope *domain.Envelope) error
	GetPayload(executionID, nodeID, direction string) (*domain.Envelope, error)
}

type DocumentRepository interface {
	Save(doc *domain.Document) error
	Get(id string) (*domain.Document, error)
	// SaveWithSegments persists the document and segment writes in one
	// batch so processingMetadata never disagrees with persisted segments.
	SaveWithSegments(doc *domain.Document, segments []*domain.DocumentSegment) error
	SaveSegment(segment *domain.DocumentSegment) error
	ListSegments(documentID string) ([]*domain.DocumentSegment, error)
}

// EntityRepository stores the business entities the engine patches: opaque
// JSON objects keyed by type and id.
type EntityRepository interface {
	Load(entityType, id string) (map[string]interface{}, error)
	Save(entityType, id string, entity map[string]interface{}) error
	Delete(entityType, id string) error
	FindByHash(entityType, hash string) (string, bool, error)
	SaveWithHash(entityType, id, hash string, entity map[string]interface{}) error
}
