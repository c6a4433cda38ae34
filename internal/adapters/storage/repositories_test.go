package storage

import (
	"testing"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowRepositoryRoundTrip(t *testing.T) {
	store := openTestStorage(t)
	repo := NewWorkflowRepository(store)

	workflow := &domain.Workflow{
		ID:   "w1",
		Name: "pipeline",
		Nodes: []domain.WorkflowNode{
			{ID: "n1", StepType: "filter", Enabled: true},
		},
	}
	require.NoError(t, repo.Save(workflow))

	loaded, err := repo.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, "pipeline", loaded.Name)
	require.Len(t, loaded.Nodes, 1)
	assert.Equal(t, "filter", loaded.Nodes[0].StepType)

	list, err := repo.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.Delete("w1"))
	_, err = repo.Get("w1")
	assert.True(t, domain.IsNotFound(err))

	err = repo.Delete("w1")
	assert.True(t, domain.IsNotFound(err))
}

func TestExecutionRepositorySnapshotsAndPayloads(t *testing.T) {
	store := openTestStorage(t)
	repo := NewExecutionRepository(store)

	execution := &domain.WorkflowExecution{
		ID:         "e1",
		WorkflowID: "w1",
		Status:     domain.ExecutionStatusRunning,
		StartedAt:  time.Now(),
	}
	require.NoError(t, repo.Save(execution))

	for _, nodeID := range []string{"a", "b"} {
		require.NoError(t, repo.SaveSnapshot(&domain.NodeExecutionSnapshot{
			ExecutionID: "e1",
			NodeID:      nodeID,
			Status:      domain.NodeStatusCompleted,
		}))
	}

	envelope := domain.NewEnvelope([]map[string]interface{}{{"id": "r1"}})
	require.NoError(t, repo.SavePayload("e1", "a", "output", envelope))

	snapshots, err := repo.ListSnapshots("e1")
	require.NoError(t, err)
	assert.Len(t, snapshots, 2, "payload keys must not leak into snapshot listing")

	payload, err := repo.GetPayload("e1", "a", "output")
	require.NoError(t, err)
	assert.Equal(t, 1, payload.Count)

	_, err = repo.GetPayload("e1", "a", "input")
	assert.True(t, domain.IsNotFound(err))
}

func TestDocumentRepositorySaveWithSegmentsIsAtomic(t *testing.T) {
	store := openTestStorage(t)
	repo := NewDocumentRepository(store)

	now := time.Now()
	doc := &domain.Document{
		ID:             "d1",
		Name:           "doc",
		IndexingStatus: domain.IndexingStatusChunked,
		ProcessingMetadata: map[domain.Stage]*domain.StageMetadata{
			domain.StageChunking: {CompletedAt: &now, ProcessedCount: 2, TotalCount: 2},
		},
	}
	segments := []*domain.DocumentSegment{
		{DocumentID: "d1", Position: 0, Content: "first", Status: domain.SegmentStatusChunked},
		{DocumentID: "d1", Position: 1, Content: "second", Status: domain.SegmentStatusChunked},
	}
	require.NoError(t, repo.SaveWithSegments(doc, segments))

	loaded, err := repo.Get("d1")
	require.NoError(t, err)
	assert.True(t, loaded.StageDone(domain.StageChunking))

	listed, err := repo.ListSegments("d1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, 0, listed[0].Position, "prefix listing is position ordered")
	assert.Equal(t, 1, listed[1].Position)
}

func TestEntityRepositoryHashIndex(t *testing.T) {
	store := openTestStorage(t)
	repo := NewEntityRepository(store)

	entity := map[string]interface{}{"title": "hello"}
	require.NoError(t, repo.SaveWithHash("post", "p1", "hash-1", entity))

	id, found, err := repo.FindByHash("post", "hash-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "p1", id)

	loaded, err := repo.Load("post", "p1")
	require.NoError(t, err)
	assert.Equal(t, "hello", loaded["title"])

	_, found, err = repo.FindByHash("post", "other")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, repo.Delete("post", "p1"))
	_, err = repo.Load("post", "p1")
	assert.True(t, domain.IsNotFound(err))
}
