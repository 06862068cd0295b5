package builder

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/knowgraph/knowgraph/core/pipeline"
	"github.com/knowgraph/knowgraph/helper"
	"github.com/knowgraph/knowgraph/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGraphStore implements EntityStore, EdgeStore and EmbeddingStore with
// the same merge and supersede semantics as the real handlers.
type fakeGraphStore struct {
	entities   map[string]*model.Entity
	edges      []*model.Edge
	embeddings map[string]*model.Embedding
	nextEdgeID int64
}

func newFakeGraphStore() *fakeGraphStore {
	return &fakeGraphStore{
		entities:   make(map[string]*model.Entity),
		embeddings: make(map[string]*model.Embedding),
	}
}

func (s *fakeGraphStore) UpsertEntity(entity *model.Entity) error {
	if entity.NormalizedKey == "" {
		entity.NormalizedKey = model.NormalizeKey(entity.Name, entity.Type)
	}
	if existing, ok := s.entities[entity.NormalizedKey]; ok {
		// Last write wins on the display name, like the real handler.
		existing.Name = entity.Name
		*entity = *existing
		return nil
	}
	entity.RID = uuid.New()
	stored := *entity
	s.entities[entity.NormalizedKey] = &stored
	return nil
}

func (s *fakeGraphStore) SelectEntityByKey(normalizedKey string) (*model.Entity, error) {
	if entity, ok := s.entities[normalizedKey]; ok {
		copied := *entity
		return &copied, nil
	}
	return nil, model.ErrNotFound
}

func (s *fakeGraphStore) IncrementEntityMentions(rid uuid.UUID, delta int) (*model.Entity, error) {
	for _, entity := range s.entities {
		if entity.RID == rid {
			entity.MentionCount += delta
			copied := *entity
			return &copied, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *fakeGraphStore) UpsertEdge(edge *model.Edge) (bool, error) {
	for _, existing := range s.edges {
		if !existing.Live() || existing.EdgeType != edge.EdgeType {
			continue
		}
		if !uuidPtrEqual(existing.SourceEntityRID, edge.SourceEntityRID) ||
			!uuidPtrEqual(existing.TargetEntityRID, edge.TargetEntityRID) ||
			!uuidPtrEqual(existing.TargetChunkRID, edge.TargetChunkRID) {
			continue
		}
		if existing.Confidence >= edge.Confidence {
			*edge = *existing
			return false, nil
		}
		s.nextEdgeID++
		edge.ID = s.nextEdgeID
		edge.RID = uuid.New()
		stored := *edge
		s.edges = append(s.edges, &stored)
		existing.SupersededBy = &stored.ID
		return false, nil
	}

	s.nextEdgeID++
	edge.ID = s.nextEdgeID
	edge.RID = uuid.New()
	stored := *edge
	s.edges = append(s.edges, &stored)
	return true, nil
}

func (s *fakeGraphStore) UpsertEmbedding(embedding *model.Embedding) error {
	key := string(embedding.OwnerType) + "/" + embedding.OwnerRID.String() + "/" + embedding.ModelVersion
	if existing, ok := s.embeddings[key]; ok {
		*embedding = *existing
		return nil
	}
	stored := *embedding
	s.embeddings[key] = &stored
	return nil
}

func (s *fakeGraphStore) liveEdges(edgeType model.EdgeType) []*model.Edge {
	var live []*model.Edge
	for _, edge := range s.edges {
		if edge.Live() && edge.EdgeType == edgeType {
			live = append(live, edge)
		}
	}
	return live
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func candidates(chunk *model.Chunk, names ...string) []model.EntityCandidate {
	result := make([]model.EntityCandidate, 0, len(names))
	for _, name := range names {
		result = append(result, model.EntityCandidate{
			Name:              name,
			Type:              model.EntityTypeConcept,
			Confidence:        0.8,
			EvidenceChunkRIDs: []uuid.UUID{chunk.RID},
		})
	}
	return result
}

func newTestBuilder(t *testing.T, store *fakeGraphStore) *Builder {
	logger := helper.NewLogger(io.Discard, slog.LevelError)
	b, err := NewBuilder(store, store, store, pipeline.NewStaticEmbedder(8), logger)
	require.NoError(t, err)
	return b
}

func TestNewBuilder(t *testing.T) {
	t.Run("Nil stores are rejected", func(t *testing.T) {
		_, err := NewBuilder(nil, nil, nil, nil, nil)
		assert.Error(t, err)
	})
}

func TestBuilderApply(t *testing.T) {
	ctx := context.Background()

	t.Run("Upserts entities and records mentions", func(t *testing.T) {
		store := newFakeGraphStore()
		b := newTestBuilder(t, store)
		chunk := &model.Chunk{RID: uuid.New(), Content: "text"}

		entities, err := b.Apply(ctx, chunk, candidates(chunk, "Graph Theory", "Topology"), nil)
		assert.NoError(t, err)
		require.Len(t, entities, 2)

		mentions := store.liveEdges(model.EdgeTypeMentions)
		assert.Len(t, mentions, 2)
		for _, entity := range entities {
			assert.Equal(t, 1, entity.MentionCount)
		}
	})

	t.Run("Applying the same chunk twice is idempotent", func(t *testing.T) {
		store := newFakeGraphStore()
		b := newTestBuilder(t, store)
		chunk := &model.Chunk{RID: uuid.New(), Content: "text"}

		_, err := b.Apply(ctx, chunk, candidates(chunk, "Graph Theory"), nil)
		require.NoError(t, err)
		entities, err := b.Apply(ctx, chunk, candidates(chunk, "Graph Theory"), nil)
		assert.NoError(t, err)

		assert.Len(t, store.entities, 1, "Expected one entity")
		assert.Len(t, store.liveEdges(model.EdgeTypeMentions), 1, "Expected one live mention edge")
		assert.Equal(t, 1, entities[0].MentionCount, "Expected mention count not to inflate on re-apply")
	})

	t.Run("Second chunk mentioning the same entity bumps the count", func(t *testing.T) {
		store := newFakeGraphStore()
		b := newTestBuilder(t, store)
		chunkA := &model.Chunk{RID: uuid.New()}
		chunkB := &model.Chunk{RID: uuid.New()}

		_, err := b.Apply(ctx, chunkA, candidates(chunkA, "Graph Theory"), nil)
		require.NoError(t, err)
		entities, err := b.Apply(ctx, chunkB, candidates(chunkB, "Graph Theory"), nil)
		assert.NoError(t, err)

		require.Len(t, entities, 1)
		assert.Equal(t, 2, entities[0].MentionCount)
	})

	t.Run("Later surface form updates the display name", func(t *testing.T) {
		store := newFakeGraphStore()
		b := newTestBuilder(t, store)
		chunkA := &model.Chunk{RID: uuid.New()}
		chunkB := &model.Chunk{RID: uuid.New()}

		_, err := b.Apply(ctx, chunkA, candidates(chunkA, "graph theory"), nil)
		require.NoError(t, err)
		entities, err := b.Apply(ctx, chunkB, candidates(chunkB, "Graph Theory"), nil)
		assert.NoError(t, err)

		require.Len(t, entities, 1)
		assert.Len(t, store.entities, 1)
		assert.Equal(t, "Graph Theory", entities[0].Name, "Expected the latest surface form to win")
	})

	t.Run("Writes entity embeddings once per entity", func(t *testing.T) {
		store := newFakeGraphStore()
		b := newTestBuilder(t, store)
		chunk := &model.Chunk{RID: uuid.New()}

		_, err := b.Apply(ctx, chunk, candidates(chunk, "Graph Theory"), nil)
		require.NoError(t, err)
		_, err = b.Apply(ctx, chunk, candidates(chunk, "Graph Theory"), nil)
		require.NoError(t, err)

		assert.Len(t, store.embeddings, 1)
	})

	t.Run("Relationship candidates become typed edges", func(t *testing.T) {
		store := newFakeGraphStore()
		b := newTestBuilder(t, store)
		chunk := &model.Chunk{RID: uuid.New()}

		entityCandidates := candidates(chunk, "Calculus", "Analysis")
		relationships := []model.RelationshipCandidate{{
			SourceKey:        entityCandidates[1].NormalizedKey(),
			TargetKey:        entityCandidates[0].NormalizedKey(),
			Type:             model.EdgeTypeBuildsUpon,
			Confidence:       0.7,
			EvidenceChunkRID: chunk.RID,
		}}

		_, err := b.Apply(ctx, chunk, entityCandidates, relationships)
		assert.NoError(t, err)

		typed := store.liveEdges(model.EdgeTypeBuildsUpon)
		require.Len(t, typed, 1)
		require.NotNil(t, typed[0].EvidenceChunkRID)
		assert.Equal(t, chunk.RID, *typed[0].EvidenceChunkRID)
	})

	t.Run("Relationship to an entity from an earlier chunk resolves via store", func(t *testing.T) {
		store := newFakeGraphStore()
		b := newTestBuilder(t, store)
		earlier := &model.Chunk{RID: uuid.New()}
		later := &model.Chunk{RID: uuid.New()}

		_, err := b.Apply(ctx, earlier, candidates(earlier, "Calculus"), nil)
		require.NoError(t, err)

		laterCandidates := candidates(later, "Analysis")
		relationships := []model.RelationshipCandidate{{
			SourceKey:        laterCandidates[0].NormalizedKey(),
			TargetKey:        model.NormalizeKey("Calculus", model.EntityTypeConcept),
			Type:             model.EdgeTypeBuildsUpon,
			Confidence:       0.7,
			EvidenceChunkRID: later.RID,
		}}

		_, err = b.Apply(ctx, later, laterCandidates, relationships)
		assert.NoError(t, err)
		assert.Len(t, store.liveEdges(model.EdgeTypeBuildsUpon), 1)
	})

	t.Run("Relationship with unknown endpoint is dropped, not fatal", func(t *testing.T) {
		store := newFakeGraphStore()
		b := newTestBuilder(t, store)
		chunk := &model.Chunk{RID: uuid.New()}

		entityCandidates := candidates(chunk, "Calculus")
		relationships := []model.RelationshipCandidate{{
			SourceKey:        entityCandidates[0].NormalizedKey(),
			TargetKey:        "never seen|concept",
			Type:             model.EdgeTypeRelatesTo,
			Confidence:       0.5,
			EvidenceChunkRID: chunk.RID,
		}}

		_, err := b.Apply(ctx, chunk, entityCandidates, relationships)
		assert.NoError(t, err)
		assert.Empty(t, store.liveEdges(model.EdgeTypeRelatesTo))
	})

	t.Run("Higher confidence mention supersedes", func(t *testing.T) {
		store := newFakeGraphStore()
		b := newTestBuilder(t, store)
		chunk := &model.Chunk{RID: uuid.New()}

		low := candidates(chunk, "Graph Theory")
		low[0].Confidence = 0.4
		_, err := b.Apply(ctx, chunk, low, nil)
		require.NoError(t, err)

		high := candidates(chunk, "Graph Theory")
		high[0].Confidence = 0.9
		entities, err := b.Apply(ctx, chunk, high, nil)
		assert.NoError(t, err)

		mentions := store.liveEdges(model.EdgeTypeMentions)
		require.Len(t, mentions, 1)
		assert.Equal(t, 0.9, mentions[0].Confidence)
		assert.Equal(t, 1, entities[0].MentionCount, "Expected supersede not to bump the mention count")
	})
}
