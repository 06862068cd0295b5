package builder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/knowgraph/knowgraph/core/pipeline"
	"github.com/knowgraph/knowgraph/helper"
	"github.com/knowgraph/knowgraph/model"
)

// EntityStore is the slice of the entity handler the builder needs.
type EntityStore interface {
	UpsertEntity(entity *model.Entity) error
	SelectEntityByKey(normalizedKey string) (*model.Entity, error)
	IncrementEntityMentions(rid uuid.UUID, delta int) (*model.Entity, error)
}

// EdgeStore is the slice of the edge handler the builder needs.
type EdgeStore interface {
	UpsertEdge(edge *model.Edge) (bool, error)
}

// EmbeddingStore is the slice of the embedding handler the builder needs.
type EmbeddingStore interface {
	UpsertEmbedding(embedding *model.Embedding) error
}

// Builder resolves extraction candidates against the graph: entities are
// upserted by normalized key, mentions become entity-to-chunk edges, and
// relationship candidates become typed entity-to-entity edges. Every write
// is an idempotent upsert, applying the same candidates twice leaves the
// graph unchanged.
type Builder struct {
	entities   EntityStore
	edges      EdgeStore
	embeddings EmbeddingStore
	embedder   pipeline.Embedder // Optional, for entity-level embeddings
	logger     *slog.Logger
}

func NewBuilder(entities EntityStore, edges EdgeStore, embeddings EmbeddingStore, embedder pipeline.Embedder, logger *slog.Logger) (*Builder, error) {
	if entities == nil || edges == nil {
		return nil, helper.NewError("builder validation", fmt.Errorf("entity and edge stores must not be nil"))
	}

	return &Builder{
		entities:   entities,
		edges:      edges,
		embeddings: embeddings,
		embedder:   embedder,
		logger:     logger,
	}, nil
}

// Apply merges the candidates of one chunk into the graph. It returns the
// entities the chunk mentions after identity resolution.
func (b *Builder) Apply(ctx context.Context, chunk *model.Chunk, entityCandidates []model.EntityCandidate, relationshipCandidates []model.RelationshipCandidate) ([]*model.Entity, error) {
	entityCandidates = model.MergeEntityCandidates(entityCandidates)

	resolved := make(map[string]*model.Entity, len(entityCandidates))
	entities := make([]*model.Entity, 0, len(entityCandidates))

	for _, candidate := range entityCandidates {
		entity := &model.Entity{
			Name:     candidate.Name,
			Type:     candidate.Type,
			Metadata: candidate.Metadata,
		}
		err := b.entities.UpsertEntity(entity)
		if err != nil {
			return nil, helper.NewError("upsert entity", err)
		}

		resolved[candidate.NormalizedKey()] = entity
		entities = append(entities, entity)

		err = b.recordMention(entity, chunk, candidate.Confidence)
		if err != nil {
			return nil, err
		}

		err = b.embedEntity(ctx, entity)
		if err != nil {
			return nil, err
		}
	}

	for _, candidate := range model.MergeRelationshipCandidates(relationshipCandidates) {
		err := b.applyRelationship(candidate, resolved)
		if err != nil {
			return nil, err
		}
	}

	return entities, nil
}

// recordMention writes the MENTIONS edge from entity to chunk. The mention
// count only moves when a new live edge appears, so re-applying a chunk
// never inflates it.
func (b *Builder) recordMention(entity *model.Entity, chunk *model.Chunk, confidence float64) error {
	edge := &model.Edge{
		SourceEntityRID:  &entity.RID,
		TargetChunkRID:   &chunk.RID,
		EdgeType:         model.EdgeTypeMentions,
		Confidence:       confidence,
		EvidenceChunkRID: &chunk.RID,
	}
	inserted, err := b.edges.UpsertEdge(edge)
	if err != nil {
		return helper.NewError("upsert mention edge", err)
	}

	if inserted {
		updated, err := b.entities.IncrementEntityMentions(entity.RID, 1)
		if err != nil {
			return helper.NewError("increment mentions", err)
		}
		entity.MentionCount = updated.MentionCount
	}

	return nil
}

// embedEntity writes an entity-level embedding of the display name. The
// upsert is a no-op when the entity already has a vector for the current
// model version.
func (b *Builder) embedEntity(ctx context.Context, entity *model.Entity) error {
	if b.embedder == nil || b.embeddings == nil {
		return nil
	}

	vector, err := b.embedder.Embed(ctx, entity.Name)
	if err != nil {
		return helper.NewError("embed entity", err)
	}

	err = b.embeddings.UpsertEmbedding(&model.Embedding{
		OwnerType:    model.OwnerTypeEntity,
		OwnerRID:     entity.RID,
		ModelVersion: b.embedder.ModelVersion(),
		Vector:       vector,
	})
	if err != nil {
		return helper.NewError("upsert entity embedding", err)
	}

	return nil
}

// applyRelationship resolves both endpoint keys and writes the typed edge.
// A candidate referencing an entity this chunk did not mention is looked up
// in the store; if it is unknown there too, the candidate is dropped with a
// log line rather than failing the chunk.
func (b *Builder) applyRelationship(candidate model.RelationshipCandidate, resolved map[string]*model.Entity) error {
	source, err := b.resolveKey(candidate.SourceKey, resolved)
	if err != nil {
		b.logDroppedRelationship(candidate, candidate.SourceKey)
		return nil
	}
	target, err := b.resolveKey(candidate.TargetKey, resolved)
	if err != nil {
		b.logDroppedRelationship(candidate, candidate.TargetKey)
		return nil
	}

	edge := &model.Edge{
		SourceEntityRID:  &source.RID,
		TargetEntityRID:  &target.RID,
		EdgeType:         candidate.Type,
		Confidence:       candidate.Confidence,
		EvidenceChunkRID: &candidate.EvidenceChunkRID,
		Metadata:         candidate.Metadata,
	}
	_, err = b.edges.UpsertEdge(edge)
	if err != nil {
		return helper.NewError("upsert relationship edge", err)
	}

	return nil
}

func (b *Builder) resolveKey(key string, resolved map[string]*model.Entity) (*model.Entity, error) {
	if entity, ok := resolved[key]; ok {
		return entity, nil
	}
	return b.entities.SelectEntityByKey(key)
}

func (b *Builder) logDroppedRelationship(candidate model.RelationshipCandidate, missingKey string) {
	if b.logger == nil {
		return
	}
	b.logger.Warn("dropping relationship candidate with unknown endpoint",
		slog.String("source", candidate.SourceKey),
		slog.String("target", candidate.TargetKey),
		slog.String("edge_type", string(candidate.Type)),
		slog.String("missing", missingKey))
}
