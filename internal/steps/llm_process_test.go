package steps

import (
	"context"
	"testing"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/mapping"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func processorWith(entities ports.EntityRepository, completer ports.Completer) *Processor {
	return NewProcessor(entities, func(_, _ string, _ float64) (ports.Completer, error) {
		return completer, nil
	}, nil)
}

func moderationMappings() mapping.Config {
	return mapping.Config{
		Mappings: map[string]mapping.Mapping{
			"status":          {From: "status", DefaultValue: "PENDING"},
			"approvalReason":  {From: "reason"},
			"confidenceScore": {From: "confidenceScore", Transform: "clamp01", DefaultValue: 0.0},
		},
		EnumConversions: map[string]map[string]interface{}{
			"status": {"approved": "APPROVED", "rejected": "REJECTED"},
		},
		StatusField:  "processingStatus",
		StatusValues: &mapping.StatusValues{Pending: "PENDING", Completed: "DONE", Error: "ERROR"},
	}
}

func TestProcessAppliesWellFormedResponse(t *testing.T) {
	entities := newFakeEntities()
	require.NoError(t, entities.Save("post", "p1", map[string]interface{}{"body": "hello"}))
	completer := &fakeCompleter{responses: []string{
		`{"status":"rejected","reason":"spam","confidenceScore":0.92}`,
	}}
	processor := processorWith(entities, completer)

	err := processor.Process(context.Background(), &ProcessRequest{
		EntityType:    "post",
		EntityID:      "p1",
		Template:      `Moderate: {{.entity.body}}`,
		FieldMappings: moderationMappings(),
	})
	require.NoError(t, err)

	entity, err := entities.Load("post", "p1")
	require.NoError(t, err)
	assert.Equal(t, "REJECTED", entity["status"])
	assert.Equal(t, "spam", entity["approvalReason"])
	assert.Equal(t, 0.92, entity["confidenceScore"])
	assert.Equal(t, "DONE", entity["processingStatus"])
	assert.Equal(t, "hello", entity["body"], "unmapped fields survive")
	require.Len(t, completer.prompts, 1)
	assert.Equal(t, "Moderate: hello", completer.prompts[0])
}

func TestProcessMalformedResponseResetsStatus(t *testing.T) {
	entities := newFakeEntities()
	require.NoError(t, entities.Save("post", "p1", map[string]interface{}{"body": "hi"}))
	completer := &fakeCompleter{responses: []string{`not json at all`}}
	processor := processorWith(entities, completer)

	err := processor.Process(context.Background(), &ProcessRequest{
		EntityType:    "post",
		EntityID:      "p1",
		Template:      "x",
		FieldMappings: moderationMappings(),
	})
	require.Error(t, err)
	assert.True(t, domain.IsMalformedResponse(err))

	entity, loadErr := entities.Load("post", "p1")
	require.NoError(t, loadErr)
	assert.Equal(t, "ERROR", entity["processingStatus"], "entity must not stay stale")
}

func TestProcessMissingEntityIsFatal(t *testing.T) {
	processor := processorWith(newFakeEntities(), &fakeCompleter{})

	err := processor.Process(context.Background(), &ProcessRequest{
		EntityType:    "post",
		EntityID:      "ghost",
		Template:      "x",
		FieldMappings: moderationMappings(),
	})
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestProcessIsIdempotent(t *testing.T) {
	entities := newFakeEntities()
	require.NoError(t, entities.Save("post", "p1", map[string]interface{}{}))
	completer := &fakeCompleter{responses: []string{
		`{"status":"approved","confidenceScore":0.5}`,
	}}
	processor := processorWith(entities, completer)

	req := &ProcessRequest{
		EntityType:    "post",
		EntityID:      "p1",
		Template:      "x",
		FieldMappings: moderationMappings(),
	}
	require.NoError(t, processor.Process(context.Background(), req))
	first, err := entities.Load("post", "p1")
	require.NoError(t, err)

	require.NoError(t, processor.Process(context.Background(), req))
	second, err := entities.Load("post", "p1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestLLMProcessStepContinuesPastRecordFailures(t *testing.T) {
	entities := newFakeEntities()
	require.NoError(t, entities.Save("post", "p1", map[string]interface{}{}))
	completer := &fakeCompleter{responses: []string{`{"status":"approved"}`}}
	step := NewLLMProcess(processorWith(entities, completer), nil)

	config := map[string]interface{}{
		"entityType": "post",
		"template":   "x",
		"fieldMappings": map[string]interface{}{
			"mappings": map[string]interface{}{"status": "status"},
		},
	}
	input := domain.NewEnvelope([]map[string]interface{}{
		{"id": "p1"},
		{"id": "missing"},
	})

	output, err := step.Execute(context.Background(), config, input)
	require.NoError(t, err, "one failed record must not abort siblings")
	assert.Equal(t, 1, output.Meta["processed"])
	assert.Equal(t, 1, output.Meta["failed"])
}
