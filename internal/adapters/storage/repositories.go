package storage

import (
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/xjson"
)

// Repositories are thin typed views over the storage port; all records are
// JSON values under the canonical keys in domain/keys.go.

type WorkflowRepository struct {
	storage ports.StoragePort
}

func NewWorkflowRepository(storage ports.StoragePort) *WorkflowRepository {
	return &WorkflowRepository{storage: storage}
}

func (r *WorkflowRepository) Save(workflow *domain.Workflow) error {
	data, err := xjson.Marshal(workflow)
	if err != nil {
		return domain.NewInternalError("failed to serialize workflow", err)
	}
	return r.storage.Put(domain.WorkflowConfigKey(workflow.ID), data, 0)
}

func (r *WorkflowRepository) Get(id string) (*domain.Workflow, error) {
	value, _, exists, err := r.storage.Get(domain.WorkflowConfigKey(id))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewNotFoundError("workflow", id)
	}
	var workflow domain.Workflow
	if err := xjson.Unmarshal(value, &workflow); err != nil {
		return nil, domain.NewInternalError("failed to decode workflow", err)
	}
	return &workflow, nil
}

func (r *WorkflowRepository) Delete(id string) error {
	exists, err := r.storage.Exists(domain.WorkflowConfigKey(id))
	if err != nil {
		return err
	}
	if !exists {
		return domain.NewNotFoundError("workflow", id)
	}
	return r.storage.Delete(domain.WorkflowConfigKey(id))
}

func (r *WorkflowRepository) List() ([]*domain.Workflow, error) {
	items, err := r.storage.ListByPrefix(domain.WorkflowConfigPrefix)
	if err != nil {
		return nil, err
	}
	workflows := make([]*domain.Workflow, 0, len(items))
	for _, item := range items {
		var workflow domain.Workflow
		if err := xjson.Unmarshal(item.Value, &workflow); err != nil {
			continue
		}
		workflows = append(workflows, &workflow)
	}
	return workflows, nil
}

type ExecutionRepository struct {
	storage ports.StoragePort
}

func NewExecutionRepository(storage ports.StoragePort) *ExecutionRepository {
	return &ExecutionRepository{storage: storage}
}

func (r *ExecutionRepository) Save(execution *domain.WorkflowExecution) error {
	data, err := xjson.Marshal(execution)
	if err != nil {
		return domain.NewInternalError("failed to serialize execution", err)
	}
	return r.storage.Put(domain.ExecutionKey(execution.ID), data, 0)
}

func (r *ExecutionRepository) Get(id string) (*domain.WorkflowExecution, error) {
	value, _, exists, err := r.storage.Get(domain.ExecutionKey(id))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewNotFoundError("execution", id)
	}
	var execution domain.WorkflowExecution
	if err := xjson.Unmarshal(value, &execution); err != nil {
		return nil, domain.NewInternalError("failed to decode execution", err)
	}
	return &execution, nil
}

func (r *ExecutionRepository) SaveSnapshot(snapshot *domain.NodeExecutionSnapshot) error {
	data, err := xjson.Marshal(snapshot)
	if err != nil {
		return domain.NewInternalError("failed to serialize node snapshot", err)
	}
	return r.storage.Put(domain.NodeSnapshotKey(snapshot.ExecutionID, snapshot.NodeID), data, 0)
}

func (r *ExecutionRepository) GetSnapshot(executionID, nodeID string) (*domain.NodeExecutionSnapshot, error) {
	value, _, exists, err := r.storage.Get(domain.NodeSnapshotKey(executionID, nodeID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewNotFoundError("node snapshot", nodeID)
	}
	var snapshot domain.NodeExecutionSnapshot
	if err := xjson.Unmarshal(value, &snapshot); err != nil {
		return nil, domain.NewInternalError("failed to decode node snapshot", err)
	}
	return &snapshot, nil
}

func (r *ExecutionRepository) ListSnapshots(executionID string) ([]*domain.NodeExecutionSnapshot, error) {
	prefix := domain.ExecutionKey(executionID) + ":node:"
	items, err := r.storage.ListByPrefix(prefix)
	if err != nil {
		return nil, err
	}
	snapshots := make([]*domain.NodeExecutionSnapshot, 0, len(items))
	for _, item := range items {
		var snapshot domain.NodeExecutionSnapshot
		if err := xjson.Unmarshal(item.Value, &snapshot); err != nil {
			continue
		}
		snapshots = append(snapshots, &snapshot)
	}
	return snapshots, nil
}

func (r *ExecutionRepository) SavePayload(executionID, nodeID, direction string, envelope *domain.Envelope) error {
	data, err := xjson.Marshal(envelope)
	if err != nil {
		return domain.NewInternalError("failed to serialize node payload", err)
	}
	return r.storage.Put(domain.NodePayloadKey(executionID, nodeID, direction), data, 0)
}

func (r *ExecutionRepository) GetPayload(executionID, nodeID, direction string) (*domain.Envelope, error) {
	value, _, exists, err := r.storage.Get(domain.NodePayloadKey(executionID, nodeID, direction))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewNotFoundError("node payload", nodeID)
	}
	var envelope domain.Envelope
	if err := xjson.Unmarshal(value, &envelope); err != nil {
		return nil, domain.NewInternalError("failed to decode node payload", err)
	}
	return &envelope, nil
}

type DocumentRepository struct {
	storage ports.StoragePort
}

func NewDocumentRepository(storage ports.StoragePort) *DocumentRepository {
	return &DocumentRepository{storage: storage}
}

func (r *DocumentRepository) Save(doc *domain.Document) error {
	doc.UpdatedAt = time.Now()
	data, err := xjson.Marshal(doc)
	if err != nil {
		return domain.NewInternalError("failed to serialize document", err)
	}
	return r.storage.Put(domain.DocumentKey(doc.ID), data, 0)
}

func (r *DocumentRepository) Get(id string) (*domain.Document, error) {
	value, _, exists, err := r.storage.Get(domain.DocumentKey(id))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewNotFoundError("document", id)
	}
	var doc domain.Document
	if err := xjson.Unmarshal(value, &doc); err != nil {
		return nil, domain.NewInternalError("failed to decode document", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) SaveWithSegments(doc *domain.Document, segments []*domain.DocumentSegment) error {
	doc.UpdatedAt = time.Now()
	docData, err := xjson.Marshal(doc)
	if err != nil {
		return domain.NewInternalError("failed to serialize document", err)
	}

	ops := make([]ports.WriteOp, 0, len(segments)+1)
	ops = append(ops, ports.WriteOp{Type: ports.OpPut, Key: domain.DocumentKey(doc.ID), Value: docData})
	for _, segment := range segments {
		segmentData, err := xjson.Marshal(segment)
		if err != nil {
			return domain.NewInternalError("failed to serialize segment", err)
		}
		ops = append(ops, ports.WriteOp{
			Type:  ports.OpPut,
			Key:   domain.SegmentKey(doc.ID, segment.Position),
			Value: segmentData,
		})
	}
	return r.storage.BatchWrite(ops)
}

func (r *DocumentRepository) SaveSegment(segment *domain.DocumentSegment) error {
	data, err := xjson.Marshal(segment)
	if err != nil {
		return domain.NewInternalError("failed to serialize segment", err)
	}
	return r.storage.Put(domain.SegmentKey(segment.DocumentID, segment.Position), data, 0)
}

func (r *DocumentRepository) ListSegments(documentID string) ([]*domain.DocumentSegment, error) {
	items, err := r.storage.ListByPrefix(domain.SegmentPrefix(documentID))
	if err != nil {
		return nil, err
	}
	segments := make([]*domain.DocumentSegment, 0, len(items))
	for _, item := range items {
		var segment domain.DocumentSegment
		if err := xjson.Unmarshal(item.Value, &segment); err != nil {
			continue
		}
		segments = append(segments, &segment)
	}
	return segments, nil
}

type EntityRepository struct {
	storage ports.StoragePort
}

func NewEntityRepository(storage ports.StoragePort) *EntityRepository {
	return &EntityRepository{storage: storage}
}

func (r *EntityRepository) Load(entityType, id string) (map[string]interface{}, error) {
	value, _, exists, err := r.storage.Get(domain.EntityKey(entityType, id))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewNotFoundError(entityType, id)
	}
	var entity map[string]interface{}
	if err := xjson.Unmarshal(value, &entity); err != nil {
		return nil, domain.NewInternalError("failed to decode entity", err)
	}
	return entity, nil
}

func (r *EntityRepository) Save(entityType, id string, entity map[string]interface{}) error {
	data, err := xjson.Marshal(entity)
	if err != nil {
		return domain.NewInternalError("failed to serialize entity", err)
	}
	return r.storage.Put(domain.EntityKey(entityType, id), data, 0)
}

func (r *EntityRepository) Delete(entityType, id string) error {
	return r.storage.Delete(domain.EntityKey(entityType, id))
}

func (r *EntityRepository) FindByHash(entityType, hash string) (string, bool, error) {
	value, _, exists, err := r.storage.Get(domain.EntityHashKey(entityType, hash))
	if err != nil || !exists {
		return "", false, err
	}
	return string(value), true, nil
}

func (r *EntityRepository) SaveWithHash(entityType, id, hash string, entity map[string]interface{}) error {
	data, err := xjson.Marshal(entity)
	if err != nil {
		return domain.NewInternalError("failed to serialize entity", err)
	}
	return r.storage.BatchWrite([]ports.WriteOp{
		{Type: ports.OpPut, Key: domain.EntityKey(entityType, id), Value: data},
		{Type: ports.OpPut, Key: domain.EntityHashKey(entityType, hash), Value: []byte(id)},
	})
}
