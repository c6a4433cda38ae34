package steps

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/mapping"
)

// Enqueuer submits a payload as a typed job. Satisfied by the worker pool.
type Enqueuer interface {
	Enqueue(jobType domain.JobType, payload interface{}, maxRetries int) (string, error)
}

// DocumentIndex kicks off document processing: each input record names a
// document, and the step enqueues one stage job per document. The stage
// machine takes it from there, so the step completes as soon as the jobs are
// durably queued.
type DocumentIndex struct {
	enqueuer Enqueuer
	logger   *slog.Logger
}

type documentIndexConfig struct {
	IDField    string `json:"idField,omitempty"`
	MaxRetries int    `json:"maxRetries,omitempty"`
}

func NewDocumentIndex(enqueuer Enqueuer, logger *slog.Logger) *DocumentIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentIndex{
		enqueuer: enqueuer,
		logger:   logger.With("step", "document_index"),
	}
}

func (s *DocumentIndex) Name() string { return "document_index" }

func (s *DocumentIndex) Execute(_ context.Context, config map[string]interface{}, input *domain.Envelope) (*domain.Envelope, error) {
	var cfg documentIndexConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	idField := cfg.IDField
	if idField == "" {
		idField = "id"
	}

	queued := make([]map[string]interface{}, 0, len(input.Items))
	for _, record := range input.Items {
		value, found := mapping.LookupPath(record, idField)
		if !found {
			return nil, domain.NewValidationError("record is missing the document id field", map[string]interface{}{
				"idField": idField,
			})
		}
		documentID := fmt.Sprint(value)

		jobID, err := s.enqueuer.Enqueue(domain.JobDocumentStage, &domain.DocumentStageJob{DocumentID: documentID}, cfg.MaxRetries)
		if err != nil {
			return nil, err
		}
		queued = append(queued, map[string]interface{}{
			"id":    documentID,
			"jobId": jobID,
		})
	}

	s.logger.Debug("queued document stage jobs", "count", len(queued))

	output := domain.NewEnvelope(queued)
	output.Meta = map[string]interface{}{"queued": len(queued)}
	return output, nil
}

// Test enqueues nothing; authoring a workflow must not start real document
// processing.
func (s *DocumentIndex) Test(_ context.Context, config map[string]interface{}, input *domain.Envelope) (*domain.Envelope, error) {
	var cfg documentIndexConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	idField := cfg.IDField
	if idField == "" {
		idField = "id"
	}

	queued := make([]map[string]interface{}, 0, len(input.Items))
	for _, record := range input.Items {
		value, found := mapping.LookupPath(record, idField)
		if !found {
			return nil, domain.NewValidationError("record is missing the document id field", map[string]interface{}{
				"idField": idField,
			})
		}
		queued = append(queued, map[string]interface{}{
			"id":    fmt.Sprint(value),
			"jobId": "dry-run",
		})
	}

	output := domain.NewEnvelope(queued)
	output.Meta = map[string]interface{}{"queued": len(queued), "dryRun": true}
	return output, nil
}
