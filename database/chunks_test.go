package database

import (
	"testing"

	"github.com/google/uuid"
	"github.com/knowgraph/knowgraph/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunksNewChunksDBHandler(t *testing.T) {
	database := initDB(t)

	t.Run("Valid call NewChunksDBHandler", func(t *testing.T) {
		_, err := NewDocumentsDBHandler(database, true)
		require.NoError(t, err)

		chunksDbHandler, err := NewChunksDBHandler(database, true)
		assert.NoError(t, err, "Expected NewChunksDBHandler to not return an error")
		require.NotNil(t, chunksDbHandler, "Expected NewChunksDBHandler to return a non-nil instance")
	})

	t.Run("Invalid call NewChunksDBHandler with nil database", func(t *testing.T) {
		_, err := NewChunksDBHandler(nil, false)
		assert.Error(t, err, "Expected error when creating ChunksDBHandler with nil database")
		assert.Contains(t, err.Error(), "database connection is nil")
	})
}

func TestChunksInsert(t *testing.T) {
	database := initDB(t)
	documentsDbHandler, chunksDbHandler, _, _, _ := initAllHandlers(t, database)

	doc := &model.Document{Title: "Chunk Host", Source: "chunks.txt", Metadata: model.Metadata{}}
	require.NoError(t, documentsDbHandler.InsertDocument(doc))

	t.Run("Insert chunk", func(t *testing.T) {
		chunk := &model.Chunk{
			DocumentID: doc.ID,
			Content:    "First chunk of text.",
			Ordinal:    0,
			TokenCount: 5,
			Metadata:   model.Metadata{"strategy": "fixed-token-count"},
		}

		err := chunksDbHandler.InsertChunk(chunk)
		assert.NoError(t, err, "Expected Insert to not return an error")
		assert.NotEmpty(t, chunk.RID, "Expected inserted chunk to have a RID")
		assert.Equal(t, doc.RID, chunk.DocumentRID, "Expected chunk to carry the document RID")
	})

	t.Run("Insert with same ordinal replaces content", func(t *testing.T) {
		original := &model.Chunk{DocumentID: doc.ID, Content: "Original.", Ordinal: 1, TokenCount: 2}
		require.NoError(t, chunksDbHandler.InsertChunk(original))

		replacement := &model.Chunk{DocumentID: doc.ID, Content: "Replaced.", Ordinal: 1, TokenCount: 2}
		require.NoError(t, chunksDbHandler.InsertChunk(replacement))

		assert.Equal(t, original.RID, replacement.RID, "Expected replacement to keep the original chunk RID")
		retrieved, err := chunksDbHandler.SelectChunk(original.RID)
		require.NoError(t, err)
		assert.Equal(t, "Replaced.", retrieved.Content)
	})

	_, err := documentsDbHandler.DeleteDocument(doc.RID)
	assert.NoError(t, err)
}

func TestChunksSelectByDocument(t *testing.T) {
	database := initDB(t)
	documentsDbHandler, chunksDbHandler, _, _, _ := initAllHandlers(t, database)

	doc := &model.Document{Title: "Ordered Doc", Source: "ordered.txt", Metadata: model.Metadata{}}
	require.NoError(t, documentsDbHandler.InsertDocument(doc))

	// Insert out of order on purpose.
	for _, ordinal := range []int{2, 0, 1} {
		chunk := &model.Chunk{
			DocumentID: doc.ID,
			Content:    "Chunk " + string(rune('0'+ordinal)),
			Ordinal:    ordinal,
		}
		require.NoError(t, chunksDbHandler.InsertChunk(chunk))
	}

	chunks, err := chunksDbHandler.SelectChunksByDocument(doc.RID)
	assert.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Ordinal, "Expected chunks ordered by ordinal regardless of insertion order")
	}

	_, err = documentsDbHandler.DeleteDocument(doc.RID)
	assert.NoError(t, err)
}

func TestChunksSelectByRIDs(t *testing.T) {
	database := initDB(t)
	documentsDbHandler, chunksDbHandler, _, _, _ := initAllHandlers(t, database)

	doc := &model.Document{Title: "Batch Doc", Source: "batch.txt", Metadata: model.Metadata{}}
	require.NoError(t, documentsDbHandler.InsertDocument(doc))

	first := &model.Chunk{DocumentID: doc.ID, Content: "One.", Ordinal: 0}
	second := &model.Chunk{DocumentID: doc.ID, Content: "Two.", Ordinal: 1}
	require.NoError(t, chunksDbHandler.InsertChunk(first))
	require.NoError(t, chunksDbHandler.InsertChunk(second))

	t.Run("Batch lookup returns requested chunks", func(t *testing.T) {
		chunks, err := chunksDbHandler.SelectChunksByRIDs([]uuid.UUID{first.RID, second.RID})
		assert.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.False(t, chunks[0].DocumentCreatedAt.IsZero(), "Expected document created_at to be populated")
	})

	t.Run("Unknown RIDs are skipped", func(t *testing.T) {
		chunks, err := chunksDbHandler.SelectChunksByRIDs([]uuid.UUID{first.RID, uuid.New()})
		assert.NoError(t, err)
		assert.Len(t, chunks, 1)
	})

	t.Run("Empty RID list returns empty", func(t *testing.T) {
		chunks, err := chunksDbHandler.SelectChunksByRIDs(nil)
		assert.NoError(t, err)
		assert.Empty(t, chunks)
	})

	_, err := documentsDbHandler.DeleteDocument(doc.RID)
	assert.NoError(t, err)
}

func TestChunksSelectMentioningEntity(t *testing.T) {
	database := initDB(t)
	documentsDbHandler, chunksDbHandler, entitiesDbHandler, edgesDbHandler, _ := initAllHandlers(t, database)

	doc := &model.Document{Title: "Mentions Doc", Source: "mentions.txt", Metadata: model.Metadata{}}
	require.NoError(t, documentsDbHandler.InsertDocument(doc))

	mentioned := &model.Chunk{DocumentID: doc.ID, Content: "Alice was here.", Ordinal: 0}
	unrelated := &model.Chunk{DocumentID: doc.ID, Content: "Nothing notable.", Ordinal: 1}
	require.NoError(t, chunksDbHandler.InsertChunk(mentioned))
	require.NoError(t, chunksDbHandler.InsertChunk(unrelated))

	entity := &model.Entity{Name: "Alice", Type: model.EntityTypePerson}
	require.NoError(t, entitiesDbHandler.UpsertEntity(entity))

	edge := &model.Edge{
		SourceEntityRID: &entity.RID,
		TargetChunkRID:  &mentioned.RID,
		EdgeType:        model.EdgeTypeMentions,
		Confidence:      1.0,
	}
	_, err := edgesDbHandler.UpsertEdge(edge)
	require.NoError(t, err)

	chunks, err := chunksDbHandler.SelectChunksMentioningEntity(entity.RID)
	assert.NoError(t, err)
	require.Len(t, chunks, 1, "Expected only the mentioned chunk to be returned")
	assert.Equal(t, mentioned.RID, chunks[0].RID)

	_, err = documentsDbHandler.DeleteDocument(doc.RID)
	assert.NoError(t, err)
}
