// Package docindex drives documents through the indexing stage machine:
// chunking, embedding, and optional entity extraction. Each stage is one
// queued job; Advance is invoked repeatedly until the document is terminal.
package docindex

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/xjson"
	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/textsplitter"
)

const (
	defaultChunkSize    = 512
	defaultChunkOverlap = 64
	defaultParentSize   = 2048
	embedBatchSize      = 16
)

// Enqueuer submits the next stage job. Satisfied by the worker pool.
type Enqueuer interface {
	Enqueue(jobType domain.JobType, payload interface{}, maxRetries int) (string, error)
}

// Machine advances documents through their stages. Stage transitions and
// segment writes go through the repository in one batch so
// processingMetadata never disagrees with persisted segments.
type Machine struct {
	documents ports.DocumentRepository
	embedder  ports.Embedder
	completer ports.Completer
	enqueuer  Enqueuer
	events    ports.EventPublisher
	logger    *slog.Logger
	encoder   *tiktoken.Tiktoken
}

func NewMachine(
	documents ports.DocumentRepository,
	embedder ports.Embedder,
	completer ports.Completer,
	enqueuer Enqueuer,
	events ports.EventPublisher,
	logger *slog.Logger,
) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("token encoder unavailable, falling back to word counts", "error", err.Error())
		encoder = nil
	}
	return &Machine{
		documents: documents,
		embedder:  embedder,
		completer: completer,
		enqueuer:  enqueuer,
		events:    events,
		logger:    logger.With("component", "docindex"),
		encoder:   encoder,
	}
}

// HandleJob adapts Advance to the worker pool's handler shape.
func (m *Machine) HandleJob(ctx context.Context, job *domain.Job) error {
	var payload domain.DocumentStageJob
	if err := xjson.Unmarshal(job.Payload, &payload); err != nil {
		return domain.NewValidationError(fmt.Sprintf("invalid stage payload: %v", err), nil)
	}
	return m.Advance(ctx, payload.DocumentID)
}

// Advance runs the first stage lacking a completedAt, then queues the next
// pass. Paused and terminal documents are left alone. Stage failures are
// recorded on the document and do not retry automatically; retry is a
// deliberate operator action.
func (m *Machine) Advance(ctx context.Context, documentID string) error {
	doc, err := m.documents.Get(documentID)
	if err != nil {
		return err
	}

	switch doc.IndexingStatus {
	case domain.IndexingStatusPaused, domain.IndexingStatusFailed,
		domain.IndexingStatusCancelled, domain.IndexingStatusCompleted:
		m.logger.Debug("not advancing document",
			"document_id", documentID,
			"status", string(doc.IndexingStatus),
		)
		return nil
	}

	stage, ok := m.nextStage(doc)
	if !ok {
		return m.complete(doc)
	}

	if err := m.runStage(ctx, doc, stage); err != nil {
		m.failStage(doc, stage, err)
		return nil
	}

	if _, more := m.nextStage(doc); more {
		if _, err := m.enqueuer.Enqueue(domain.JobDocumentStage, &domain.DocumentStageJob{DocumentID: doc.ID}, 0); err != nil {
			return err
		}
		return nil
	}
	return m.complete(doc)
}

// nextStage returns the first stage without a completedAt, honoring the
// fixed order chunking, embedding, extracting.
func (m *Machine) nextStage(doc *domain.Document) (domain.Stage, bool) {
	if !doc.StageDone(domain.StageChunking) {
		return domain.StageChunking, true
	}
	if !doc.StageDone(domain.StageEmbedding) {
		return domain.StageEmbedding, true
	}
	if doc.NEREnabled && !doc.StageDone(domain.StageExtracting) {
		return domain.StageExtracting, true
	}
	return "", false
}

func (m *Machine) runStage(ctx context.Context, doc *domain.Document, stage domain.Stage) error {
	m.logger.Info("running stage", "document_id", doc.ID, "stage", string(stage))
	switch stage {
	case domain.StageChunking:
		return m.chunk(doc)
	case domain.StageEmbedding:
		return m.embed(ctx, doc)
	case domain.StageExtracting:
		return m.extract(ctx, doc)
	}
	return domain.NewInternalError(fmt.Sprintf("unknown stage %s", stage), nil)
}

// chunk splits the document content into positioned segments and persists
// them with the stage metadata in one batch.
func (m *Machine) chunk(doc *domain.Document) error {
	doc.IndexingStatus = domain.IndexingStatusChunking
	meta := doc.StageMeta(domain.StageChunking)
	now := time.Now()
	meta.StartedAt = &now

	segments, err := m.split(doc)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return domain.NewValidationError("document content produced no segments", map[string]interface{}{
			"document_id": doc.ID,
		})
	}

	completed := time.Now()
	meta.CompletedAt = &completed
	meta.ProcessedCount = len(segments)
	meta.TotalCount = len(segments)
	doc.IndexingStatus = domain.IndexingStatusChunked
	doc.UpdatedAt = completed

	if err := m.documents.SaveWithSegments(doc, segments); err != nil {
		return err
	}
	m.publishUpdate(doc, domain.StageChunking, meta)
	return nil
}

func (m *Machine) split(doc *domain.Document) ([]*domain.DocumentSegment, error) {
	settings := doc.ChunkSettings
	chunkSize := settings.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	overlap := settings.ChunkOverlap
	if overlap < 0 {
		overlap = defaultChunkOverlap
	}

	if !settings.ParentChild {
		chunks, err := m.splitText(doc.Content, settings.Splitter, chunkSize, overlap)
		if err != nil {
			return nil, err
		}
		segments := make([]*domain.DocumentSegment, 0, len(chunks))
		for i, chunk := range chunks {
			segments = append(segments, m.newSegment(doc.ID, i, chunk, nil))
		}
		return segments, nil
	}

	parentSize := settings.ParentSize
	if parentSize <= 0 {
		parentSize = defaultParentSize
	}
	parents, err := m.splitText(doc.Content, settings.Splitter, parentSize, overlap)
	if err != nil {
		return nil, err
	}

	var segments []*domain.DocumentSegment
	position := 0
	for parentIdx, parent := range parents {
		children, err := m.splitText(parent, settings.Splitter, chunkSize, overlap)
		if err != nil {
			return nil, err
		}
		parentPos := parentIdx
		for _, child := range children {
			segments = append(segments, m.newSegment(doc.ID, position, child, &parentPos))
			position++
		}
	}
	return segments, nil
}

func (m *Machine) splitText(content, splitter string, chunkSize, overlap int) ([]string, error) {
	var s textsplitter.TextSplitter
	switch splitter {
	case "", "recursive":
		s = textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(overlap),
		)
	case "markdown":
		s = textsplitter.NewMarkdownTextSplitter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(overlap),
		)
	default:
		return nil, domain.NewValidationError(fmt.Sprintf("unknown splitter %q", splitter), nil)
	}
	chunks, err := s.SplitText(content)
	if err != nil {
		return nil, domain.NewInternalError("failed to split document content", err)
	}
	return chunks, nil
}

func (m *Machine) newSegment(documentID string, position int, content string, parent *int) *domain.DocumentSegment {
	return &domain.DocumentSegment{
		DocumentID:     documentID,
		Position:       position,
		Content:        content,
		WordCount:      len(strings.Fields(content)),
		Tokens:         m.countTokens(content),
		Status:         domain.SegmentStatusChunked,
		ParentPosition: parent,
	}
}

func (m *Machine) countTokens(content string) int {
	if m.encoder == nil {
		return len(strings.Fields(content))
	}
	return len(m.encoder.Encode(content, nil, nil))
}

// embed vectors the segments still in chunked state, in batches. Segment
// status, not document status, decides what is unprocessed; already-embedded
// segments are never redone.
func (m *Machine) embed(ctx context.Context, doc *domain.Document) error {
	doc.IndexingStatus = domain.IndexingStatusEmbedding
	meta := doc.StageMeta(domain.StageEmbedding)
	if meta.StartedAt == nil {
		now := time.Now()
		meta.StartedAt = &now
	}

	segments, err := m.documents.ListSegments(doc.ID)
	if err != nil {
		return err
	}
	meta.TotalCount = len(segments)

	pending := make([]*domain.DocumentSegment, 0, len(segments))
	for _, segment := range segments {
		if segment.Status == domain.SegmentStatusChunked {
			pending = append(pending, segment)
		}
	}
	meta.ProcessedCount = len(segments) - len(pending)

	for start := 0; start < len(pending); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		texts := make([]string, len(batch))
		for i, segment := range batch {
			texts[i] = segment.Content
		}
		vectors, err := m.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return err
		}

		for i, segment := range batch {
			segment.Embedding = &domain.EmbeddingRecord{
				Vector:   vectors[i],
				Model:    m.embedder.Model(),
				Provider: m.embedder.Provider(),
			}
			segment.Status = domain.SegmentStatusEmbedded
		}
		meta.ProcessedCount += len(batch)
		doc.UpdatedAt = time.Now()
		if err := m.documents.SaveWithSegments(doc, batch); err != nil {
			return err
		}
		m.publishUpdate(doc, domain.StageEmbedding, meta)
	}

	completed := time.Now()
	meta.CompletedAt = &completed
	doc.IndexingStatus = domain.IndexingStatusEmbedded
	doc.UpdatedAt = completed
	if err := m.documents.SaveWithSegments(doc, nil); err != nil {
		return err
	}
	m.publishUpdate(doc, domain.StageEmbedding, meta)
	return nil
}

// extract asks the completion collaborator for keywords per embedded
// segment. One segment failing does not abort its siblings.
func (m *Machine) extract(ctx context.Context, doc *domain.Document) error {
	doc.IndexingStatus = domain.IndexingStatusExtracting
	meta := doc.StageMeta(domain.StageExtracting)
	if meta.StartedAt == nil {
		now := time.Now()
		meta.StartedAt = &now
	}

	segments, err := m.documents.ListSegments(doc.ID)
	if err != nil {
		return err
	}
	meta.TotalCount = len(segments)

	failures := 0
	for _, segment := range segments {
		if segment.Status != domain.SegmentStatusEmbedded {
			if segment.Status == domain.SegmentStatusCompleted {
				meta.ProcessedCount++
			}
			continue
		}

		keywords, err := m.extractKeywords(ctx, segment.Content)
		if err != nil {
			failures++
			segment.Status = domain.SegmentStatusError
			segment.Error = err.Error()
			m.logger.Warn("keyword extraction failed for segment",
				"document_id", doc.ID,
				"position", segment.Position,
				"error", err.Error(),
			)
		} else {
			segment.Keywords = keywords
			segment.Status = domain.SegmentStatusCompleted
			meta.ProcessedCount++
		}
		doc.UpdatedAt = time.Now()
		if err := m.documents.SaveWithSegments(doc, []*domain.DocumentSegment{segment}); err != nil {
			return err
		}
	}

	if failures == len(segments) && failures > 0 {
		return domain.NewInternalError(fmt.Sprintf("keyword extraction failed for all %d segments", failures), nil)
	}

	completed := time.Now()
	meta.CompletedAt = &completed
	doc.UpdatedAt = completed
	if err := m.documents.SaveWithSegments(doc, nil); err != nil {
		return err
	}
	m.publishUpdate(doc, domain.StageExtracting, meta)
	return nil
}

func (m *Machine) extractKeywords(ctx context.Context, content string) ([]string, error) {
	prompt := fmt.Sprintf(
		`Extract the most important keywords and named entities from the text below. Respond with a JSON object of the form {"keywords": ["..."]}.

Text:
%s`, content)

	response, err := m.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Keywords []string `json:"keywords"`
	}
	if err := xjson.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, domain.NewMalformedResponseError("keyword response is not valid json", response)
	}
	return parsed.Keywords, nil
}

func (m *Machine) complete(doc *domain.Document) error {
	doc.IndexingStatus = domain.IndexingStatusCompleted
	doc.Error = ""
	doc.UpdatedAt = time.Now()
	if err := m.documents.Save(doc); err != nil {
		return err
	}
	m.logger.Info("document indexing completed", "document_id", doc.ID)
	m.events.Publish(domain.NewEvent(domain.EventDocumentUpdate, domain.DocumentUpdatePayload{
		DocumentID: doc.ID,
		Status:     doc.IndexingStatus,
	}))
	return nil
}

func (m *Machine) failStage(doc *domain.Document, stage domain.Stage, cause error) {
	meta := doc.StageMeta(stage)
	meta.Error = cause.Error()
	doc.IndexingStatus = domain.IndexingStatusFailed
	doc.Error = fmt.Sprintf("stage %s failed: %s", stage, cause.Error())
	doc.UpdatedAt = time.Now()
	if err := m.documents.Save(doc); err != nil {
		m.logger.Error("failed to record stage failure", "document_id", doc.ID, "error", err.Error())
	}

	m.logger.Error("stage failed",
		"document_id", doc.ID,
		"stage", string(stage),
		"error", cause.Error(),
	)
	m.publishUpdate(doc, stage, meta)
}

func (m *Machine) publishUpdate(doc *domain.Document, stage domain.Stage, meta *domain.StageMetadata) {
	m.events.Publish(domain.NewEvent(domain.EventDocumentUpdate, domain.DocumentUpdatePayload{
		DocumentID:     doc.ID,
		Status:         doc.IndexingStatus,
		Stage:          stage,
		ProcessedCount: meta.ProcessedCount,
		TotalCount:     meta.TotalCount,
		Error:          doc.Error,
	}))
}
