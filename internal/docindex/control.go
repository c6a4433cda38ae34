package docindex

import (
	"time"

	"github.com/eleven-am/conduit/internal/domain"
)

// JobStatus is the operator-facing view of a document's indexing progress.
type JobStatus struct {
	DocumentID string                                 `json:"document_id"`
	Status     domain.IndexingStatus                  `json:"status"`
	Stages     map[domain.Stage]*domain.StageMetadata `json:"stages"`
	Error      string                                 `json:"error,omitempty"`
}

// Start queues a document for indexing from scratch.
func (m *Machine) Start(documentID string) error {
	doc, err := m.documents.Get(documentID)
	if err != nil {
		return err
	}
	if doc.IndexingStatus != domain.IndexingStatusPending &&
		doc.IndexingStatus != domain.IndexingStatusFailed &&
		doc.IndexingStatus != domain.IndexingStatusCancelled {
		return domain.NewConflictError("document is already being processed", map[string]interface{}{
			"document_id": documentID,
			"status":      string(doc.IndexingStatus),
		})
	}
	doc.IndexingStatus = domain.IndexingStatusPending
	doc.ProcessingMetadata = nil
	doc.Error = ""
	doc.UpdatedAt = time.Now()
	if err := m.documents.Save(doc); err != nil {
		return err
	}
	_, err = m.enqueuer.Enqueue(domain.JobDocumentStage, &domain.DocumentStageJob{DocumentID: documentID}, 0)
	return err
}

// Status returns the document's indexing status and per-stage metadata.
func (m *Machine) Status(documentID string) (*JobStatus, error) {
	doc, err := m.documents.Get(documentID)
	if err != nil {
		return nil, err
	}
	return &JobStatus{
		DocumentID: doc.ID,
		Status:     doc.IndexingStatus,
		Stages:     doc.ProcessingMetadata,
		Error:      doc.Error,
	}, nil
}

// Pause stops dispatching new stage jobs for the document. In-flight segment
// work is not interrupted.
func (m *Machine) Pause(documentID string) error {
	doc, err := m.documents.Get(documentID)
	if err != nil {
		return err
	}
	if doc.IndexingStatus.Terminal() || doc.IndexingStatus == domain.IndexingStatusFailed {
		return domain.NewConflictError("document cannot be paused", map[string]interface{}{
			"document_id": documentID,
			"status":      string(doc.IndexingStatus),
		})
	}
	doc.IndexingStatus = domain.IndexingStatusPaused
	doc.UpdatedAt = time.Now()
	return m.documents.Save(doc)
}

// Resume re-enters at the first stage lacking a completedAt. Only segments
// whose status says they are unprocessed get reworked.
func (m *Machine) Resume(documentID string) error {
	doc, err := m.documents.Get(documentID)
	if err != nil {
		return err
	}
	if doc.IndexingStatus != domain.IndexingStatusPaused {
		return domain.NewConflictError("only paused documents can be resumed", map[string]interface{}{
			"document_id": documentID,
			"status":      string(doc.IndexingStatus),
		})
	}

	doc.IndexingStatus = m.resumedStatus(doc)
	doc.UpdatedAt = time.Now()
	if err := m.documents.Save(doc); err != nil {
		return err
	}
	_, err = m.enqueuer.Enqueue(domain.JobDocumentStage, &domain.DocumentStageJob{DocumentID: documentID}, 0)
	return err
}

// Retry is only valid from failed; it re-invokes the failed stage from its
// last processed count.
func (m *Machine) Retry(documentID string) error {
	doc, err := m.documents.Get(documentID)
	if err != nil {
		return err
	}
	if doc.IndexingStatus != domain.IndexingStatusFailed {
		return domain.NewConflictError("only failed documents can be retried", map[string]interface{}{
			"document_id": documentID,
			"status":      string(doc.IndexingStatus),
		})
	}

	for _, meta := range doc.ProcessingMetadata {
		meta.Error = ""
	}
	doc.Error = ""
	doc.IndexingStatus = m.resumedStatus(doc)
	doc.UpdatedAt = time.Now()
	if err := m.documents.Save(doc); err != nil {
		return err
	}
	_, err = m.enqueuer.Enqueue(domain.JobDocumentStage, &domain.DocumentStageJob{DocumentID: documentID}, 0)
	return err
}

// Cancel marks the document cancelled; queued stage jobs become no-ops.
func (m *Machine) Cancel(documentID string) error {
	doc, err := m.documents.Get(documentID)
	if err != nil {
		return err
	}
	if doc.IndexingStatus.Terminal() {
		return domain.NewConflictError("document already finished", map[string]interface{}{
			"document_id": documentID,
			"status":      string(doc.IndexingStatus),
		})
	}
	doc.IndexingStatus = domain.IndexingStatusCancelled
	doc.UpdatedAt = time.Now()
	if err := m.documents.Save(doc); err != nil {
		return err
	}
	m.events.Publish(domain.NewEvent(domain.EventDocumentUpdate, domain.DocumentUpdatePayload{
		DocumentID: doc.ID,
		Status:     doc.IndexingStatus,
	}))
	return nil
}

// resumedStatus maps the first incomplete stage back to the status the
// document was in before it stopped.
func (m *Machine) resumedStatus(doc *domain.Document) domain.IndexingStatus {
	stage, ok := m.nextStage(doc)
	if !ok {
		return domain.IndexingStatusEmbedded
	}
	switch stage {
	case domain.StageChunking:
		return domain.IndexingStatusPending
	case domain.StageEmbedding:
		return domain.IndexingStatusChunked
	default:
		return domain.IndexingStatusEmbedded
	}
}
