package domain

import "time"

type IndexingStatus string

const (
	IndexingStatusPending    IndexingStatus = "pending"
	IndexingStatusChunking   IndexingStatus = "chunking"
	IndexingStatusChunked    IndexingStatus = "chunked"
	IndexingStatusEmbedding  IndexingStatus = "embedding"
	IndexingStatusEmbedded   IndexingStatus = "embedded"
	IndexingStatusExtracting IndexingStatus = "extracting"
	IndexingStatusCompleted  IndexingStatus = "completed"
	IndexingStatusFailed     IndexingStatus = "failed"
	IndexingStatusPaused     IndexingStatus = "paused"
	IndexingStatusCancelled  IndexingStatus = "cancelled"
)

func (s IndexingStatus) Terminal() bool {
	switch s {
	case IndexingStatusCompleted, IndexingStatusCancelled:
		return true
	}
	return false
}

type Stage string

const (
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageExtracting Stage = "extracting"
)

// StageMetadata is the single source of truth for stage resumption; it is
// written in the same batch as the stage's segment side effects.
type StageMetadata struct {
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ProcessedCount int        `json:"processed_count"`
	TotalCount     int        `json:"total_count"`
	Error          string     `json:"error,omitempty"`
}

type ChunkSettings struct {
	Splitter     string `json:"splitter,omitempty"`
	ChunkSize    int    `json:"chunk_size,omitempty"`
	ChunkOverlap int    `json:"chunk_overlap,omitempty"`
	ParentChild  bool   `json:"parent_child,omitempty"`
	ParentSize   int    `json:"parent_size,omitempty"`
}

type Document struct {
	ID                 string                   `json:"id"`
	Name               string                   `json:"name"`
	Content            string                   `json:"content"`
	IndexingStatus     IndexingStatus           `json:"indexing_status"`
	ProcessingMetadata map[Stage]*StageMetadata `json:"processing_metadata"`
	ChunkSettings      ChunkSettings            `json:"chunk_settings"`
	NEREnabled         bool                     `json:"ner_enabled"`
	Error              string                   `json:"error,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

// StageMeta returns the metadata record for a stage, creating it on first use.
func (d *Document) StageMeta(stage Stage) *StageMetadata {
	if d.ProcessingMetadata == nil {
		d.ProcessingMetadata = make(map[Stage]*StageMetadata)
	}
	meta, ok := d.ProcessingMetadata[stage]
	if !ok {
		meta = &StageMetadata{}
		d.ProcessingMetadata[stage] = meta
	}
	return meta
}

// StageDone reports whether a stage has fully completed.
func (d *Document) StageDone(stage Stage) bool {
	meta, ok := d.ProcessingMetadata[stage]
	return ok && meta.CompletedAt != nil
}

type SegmentStatus string

const (
	SegmentStatusWaiting   SegmentStatus = "waiting"
	SegmentStatusChunked   SegmentStatus = "chunked"
	SegmentStatusEmbedded  SegmentStatus = "embedded"
	SegmentStatusCompleted SegmentStatus = "completed"
	SegmentStatusError     SegmentStatus = "error"
)

// EmbeddingRecord carries the model and provider that produced a vector so
// later search can detect a model mismatch.
type EmbeddingRecord struct {
	Vector   []float32 `json:"vector"`
	Model    string    `json:"model"`
	Provider string    `json:"provider"`
}

// DocumentSegment positions are assigned once during chunking and never
// renumbered by later stages.
type DocumentSegment struct {
	DocumentID     string           `json:"document_id"`
	Position       int              `json:"position"`
	Content        string           `json:"content"`
	WordCount      int              `json:"word_count"`
	Tokens         int              `json:"tokens"`
	Status         SegmentStatus    `json:"status"`
	ParentPosition *int             `json:"parent_position,omitempty"`
	Embedding      *EmbeddingRecord `json:"embedding,omitempty"`
	Keywords       []string         `json:"keywords,omitempty"`
	Error          string           `json:"error,omitempty"`
}
