package steps

import (
	"context"
	"testing"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upsertInput() *domain.Envelope {
	return domain.NewEnvelope([]map[string]interface{}{
		{"title": "first", "body": "aaa"},
		{"title": "second", "body": "bbb"},
		{"title": "third", "body": "ccc"},
	})
}

func upsertStepConfig() map[string]interface{} {
	return map[string]interface{}{
		"entityType":            "post",
		"deduplicationStrategy": "hash",
		"mappings": map[string]interface{}{
			"title":   "title",
			"content": "body",
		},
	}
}

func TestUpsertInsertsDistinctRecords(t *testing.T) {
	entities := newFakeEntities()
	step := NewUpsert(entities, nil)

	output, err := step.Execute(context.Background(), upsertStepConfig(), upsertInput())
	require.NoError(t, err)

	assert.Len(t, output.Items, 3)
	assert.Equal(t, 3, output.Meta["total"])
	assert.NotEmpty(t, output.Meta["lastUpdated"])
	assert.Equal(t, 3, entities.count())
}

func TestUpsertResubmitUpdatesInsteadOfInserting(t *testing.T) {
	entities := newFakeEntities()
	step := NewUpsert(entities, nil)

	first, err := step.Execute(context.Background(), upsertStepConfig(), upsertInput())
	require.NoError(t, err)

	second, err := step.Execute(context.Background(), upsertStepConfig(), upsertInput())
	require.NoError(t, err)

	assert.Equal(t, 3, entities.count(), "same hashes must update, not insert")
	assert.ElementsMatch(t, first.Items, second.Items, "updates keep the original ids")
}

func TestUpsertPassesThroughSideChannels(t *testing.T) {
	entities := newFakeEntities()
	step := NewUpsert(entities, nil)

	input := upsertInput()
	input.Duplicates = []map[string]interface{}{{"id": "dupe"}}

	output, err := step.Execute(context.Background(), upsertStepConfig(), input)
	require.NoError(t, err)
	assert.Len(t, output.Duplicates, 1)
}

func TestUpsertRejectsUnknownStrategy(t *testing.T) {
	step := NewUpsert(newFakeEntities(), nil)
	config := upsertStepConfig()
	config["deduplicationStrategy"] = "fuzzy"

	_, err := step.Execute(context.Background(), config, upsertInput())
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}
