package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/knowgraph/knowgraph/core/pipeline"
	"github.com/knowgraph/knowgraph/helper"
	"github.com/knowgraph/knowgraph/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	mu       sync.Mutex
	attempts int
	failures int // first N EmbedBatch calls fail transiently
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return nil, fmt.Errorf("%w: model warming up", model.ErrEmbeddingUnavailable)
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0}
	}
	return vectors, nil
}

func (f *fakeEmbedder) ModelVersion() string { return "test-model" }

func (f *fakeEmbedder) Dimensions() int { return 2 }

// fakeStores backs every orchestrator store interface with injectable
// failures and attempt counters.
type fakeStores struct {
	mu sync.Mutex

	chunks     []*model.Chunk
	embeddings []*model.Embedding
	stages     []model.IngestionStage
	run        *model.IngestionRun
	deleted    []uuid.UUID
	applied    int

	chunkAttempts int
	chunkFailures int // first N InsertChunk calls fail
	chunkErr      error
	embeddingErr  error
}

func (f *fakeStores) InsertDocument(doc *model.Document) error {
	// A document with its RID already set reuses the existing row.
	if doc.RID != uuid.Nil {
		return nil
	}
	doc.ID = 1
	doc.RID = uuid.New()
	doc.CreatedAt = time.Now()
	return nil
}

func (f *fakeStores) DeleteDocument(rid uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, rid)
	return len(f.chunks), nil
}

func (f *fakeStores) InsertChunk(chunk *model.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkAttempts++
	if f.chunkAttempts <= f.chunkFailures {
		return f.chunkErr
	}
	for _, existing := range f.chunks {
		if existing.DocumentID == chunk.DocumentID && existing.Ordinal == chunk.Ordinal {
			existing.Content = chunk.Content
			existing.TokenCount = chunk.TokenCount
			chunk.RID = existing.RID
			return nil
		}
	}
	chunk.RID = uuid.New()
	f.chunks = append(f.chunks, chunk)
	return nil
}

func (f *fakeStores) UpsertEmbedding(embedding *model.Embedding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.embeddingErr != nil {
		return f.embeddingErr
	}
	for i, existing := range f.embeddings {
		if existing.OwnerType == embedding.OwnerType &&
			existing.OwnerRID == embedding.OwnerRID &&
			existing.ModelVersion == embedding.ModelVersion {
			f.embeddings[i] = embedding
			return nil
		}
	}
	f.embeddings = append(f.embeddings, embedding)
	return nil
}

func (f *fakeStores) InsertIngestion(run *model.IngestionRun) error {
	run.ID = 1
	f.mu.Lock()
	defer f.mu.Unlock()
	f.run = run
	f.stages = append(f.stages, run.Stage)
	return nil
}

func (f *fakeStores) UpdateIngestionStage(run *model.IngestionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, run.Stage)
	return nil
}

func (f *fakeStores) Apply(ctx context.Context, chunk *model.Chunk, entityCandidates []model.EntityCandidate, relationshipCandidates []model.RelationshipCandidate) ([]*model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied++
	return nil, nil
}

func paragraphDrafts(text string) ([]model.ChunkDraft, error) {
	var drafts []model.ChunkDraft
	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		drafts = append(drafts, model.ChunkDraft{
			Content:    paragraph,
			Ordinal:    len(drafts),
			TokenCount: len(strings.Fields(paragraph)),
		})
	}
	return drafts, nil
}

func singleEntityExtractor(chunk *model.Chunk) ([]model.EntityCandidate, []model.RelationshipCandidate, error) {
	return []model.EntityCandidate{{
		Name:              "Ada Lovelace",
		Type:              model.EntityTypePerson,
		Confidence:        0.9,
		EvidenceChunkRIDs: []uuid.UUID{chunk.RID},
	}}, nil, nil
}

func newTestOrchestrator(t *testing.T, stores *fakeStores, embedder pipeline.Embedder, extractor pipeline.ExtractFunc) *Orchestrator {
	proc := pipeline.NewPipeline(paragraphDrafts, embedder)
	if extractor != nil {
		proc.SetExtractor(extractor)
	}

	config := DefaultConfig()
	config.MaxRetries = 2
	config.InitialBackoff = time.Millisecond
	config.MaxBackoff = 2 * time.Millisecond

	logger := helper.NewLogger(io.Discard, slog.LevelError)
	orchestrator, err := NewOrchestrator(proc, stores, stores, stores, stores, stores, config, logger)
	require.NoError(t, err)
	t.Cleanup(orchestrator.Close)
	return orchestrator
}

func testDocument() *model.Document {
	return &model.Document{
		Title:   "Notes",
		Content: "Ada Lovelace wrote the first program.\n\nShe worked with Charles Babbage.",
	}
}

func TestNewOrchestrator(t *testing.T) {
	t.Run("Nil pipeline is rejected", func(t *testing.T) {
		_, err := NewOrchestrator(nil, &fakeStores{}, &fakeStores{}, &fakeStores{}, nil, &fakeStores{}, DefaultConfig(), nil)
		assert.Error(t, err)
	})

	t.Run("Nil stores are rejected", func(t *testing.T) {
		proc := pipeline.NewPipeline(paragraphDrafts, &fakeEmbedder{})
		_, err := NewOrchestrator(proc, nil, nil, nil, nil, nil, DefaultConfig(), nil)
		assert.Error(t, err)
	})
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("Successful run walks every stage", func(t *testing.T) {
		stores := &fakeStores{}
		orchestrator := newTestOrchestrator(t, stores, &fakeEmbedder{}, singleEntityExtractor)

		run, err := orchestrator.Run(ctx, testDocument())
		assert.NoError(t, err)
		require.NotNil(t, run)
		assert.Equal(t, model.StageComplete, run.Stage)
		assert.Equal(t, []model.IngestionStage{
			model.StageReceived,
			model.StageChunked,
			model.StageExtracted,
			model.StageGraphWritten,
			model.StageVectorWritten,
			model.StageComplete,
		}, stores.stages)

		assert.Len(t, stores.chunks, 2)
		assert.Len(t, stores.embeddings, 2)
		assert.Equal(t, 2, stores.applied)
		assert.Empty(t, stores.deleted)
		for _, embedding := range stores.embeddings {
			assert.Equal(t, model.OwnerTypeChunk, embedding.OwnerType)
			assert.Equal(t, "test-model", embedding.ModelVersion)
		}
	})

	t.Run("Re-ingesting the same document does not duplicate state", func(t *testing.T) {
		stores := &fakeStores{}
		orchestrator := newTestOrchestrator(t, stores, &fakeEmbedder{}, singleEntityExtractor)

		doc := testDocument()
		_, err := orchestrator.Run(ctx, doc)
		require.NoError(t, err)
		firstRID := doc.RID
		require.Len(t, stores.chunks, 2)
		firstChunkRIDs := []uuid.UUID{stores.chunks[0].RID, stores.chunks[1].RID}

		run, err := orchestrator.Run(ctx, doc)
		assert.NoError(t, err)
		assert.Equal(t, model.StageComplete, run.Stage)
		assert.Equal(t, firstRID, doc.RID, "Expected the document identity to survive re-ingestion")
		require.Len(t, stores.chunks, 2, "Expected chunks to upsert in place, not duplicate")
		assert.Equal(t, firstChunkRIDs[0], stores.chunks[0].RID)
		assert.Equal(t, firstChunkRIDs[1], stores.chunks[1].RID)
		assert.Len(t, stores.embeddings, 2, "Expected embeddings to upsert in place, not duplicate")
	})

	t.Run("Empty document completes with zero chunks", func(t *testing.T) {
		stores := &fakeStores{}
		orchestrator := newTestOrchestrator(t, stores, &fakeEmbedder{}, singleEntityExtractor)

		run, err := orchestrator.Run(ctx, &model.Document{Title: "Empty"})
		assert.NoError(t, err)
		assert.Equal(t, model.StageComplete, run.Stage)
		assert.Empty(t, stores.chunks)
		assert.Empty(t, stores.embeddings)
	})

	t.Run("Transient chunk insert failures are retried", func(t *testing.T) {
		stores := &fakeStores{
			chunkFailures: 2,
			chunkErr:      fmt.Errorf("%w: connection reset", model.ErrTransientStore),
		}
		orchestrator := newTestOrchestrator(t, stores, &fakeEmbedder{}, nil)

		run, err := orchestrator.Run(ctx, testDocument())
		assert.NoError(t, err)
		assert.Equal(t, model.StageComplete, run.Stage)
		assert.Len(t, stores.chunks, 2)
		assert.Equal(t, 4, stores.chunkAttempts, "Expected two failed attempts plus two successful inserts")
	})

	t.Run("Permanent chunk insert failure is not retried", func(t *testing.T) {
		stores := &fakeStores{
			chunkFailures: 100,
			chunkErr:      fmt.Errorf("value too long for column"),
		}
		orchestrator := newTestOrchestrator(t, stores, &fakeEmbedder{}, nil)
		doc := testDocument()

		run, err := orchestrator.Run(ctx, doc)
		assert.Error(t, err)
		assert.Equal(t, 1, stores.chunkAttempts, "Expected no retries for a deterministic failure")

		var ingestionErr *model.IngestionError
		require.ErrorAs(t, err, &ingestionErr)
		assert.Equal(t, model.StageChunked, ingestionErr.Stage)
		assert.Equal(t, doc.RID, ingestionErr.DocumentRID)

		require.NotNil(t, run)
		assert.Equal(t, model.StageFailed, run.Stage)
		require.NotNil(t, run.FailedStage)
		assert.Equal(t, model.StageChunked, *run.FailedStage)
		require.NotNil(t, run.Error)
		assert.Contains(t, *run.Error, "value too long")
	})

	t.Run("Failure triggers a compensating document delete", func(t *testing.T) {
		stores := &fakeStores{
			chunkFailures: 100,
			chunkErr:      fmt.Errorf("broken"),
		}
		orchestrator := newTestOrchestrator(t, stores, &fakeEmbedder{}, nil)
		doc := testDocument()

		_, err := orchestrator.Run(ctx, doc)
		assert.Error(t, err)
		require.Len(t, stores.deleted, 1)
		assert.Equal(t, doc.RID, stores.deleted[0])
	})

	t.Run("Extraction failure contributes zero candidates without failing the run", func(t *testing.T) {
		stores := &fakeStores{}
		failing := func(chunk *model.Chunk) ([]model.EntityCandidate, []model.RelationshipCandidate, error) {
			return nil, nil, fmt.Errorf("all extractors failed")
		}
		orchestrator := newTestOrchestrator(t, stores, &fakeEmbedder{}, failing)

		run, err := orchestrator.Run(ctx, testDocument())
		assert.NoError(t, err)
		assert.Equal(t, model.StageComplete, run.Stage)
		assert.Zero(t, stores.applied)
		assert.Len(t, stores.embeddings, 2, "Expected vectors written despite empty extraction")
	})

	t.Run("Transient embedding failure is retried until it clears", func(t *testing.T) {
		stores := &fakeStores{}
		embedder := &fakeEmbedder{failures: 2}
		orchestrator := newTestOrchestrator(t, stores, embedder, nil)

		run, err := orchestrator.Run(ctx, testDocument())
		assert.NoError(t, err)
		assert.Equal(t, model.StageComplete, run.Stage)
		assert.Equal(t, 3, embedder.attempts)
	})

	t.Run("Exhausted embedding retries fail at the vector stage", func(t *testing.T) {
		stores := &fakeStores{}
		embedder := &fakeEmbedder{failures: 100}
		orchestrator := newTestOrchestrator(t, stores, embedder, nil)

		run, err := orchestrator.Run(ctx, testDocument())
		assert.Error(t, err)
		assert.Equal(t, 3, embedder.attempts, "Expected the initial attempt plus MaxRetries")

		var ingestionErr *model.IngestionError
		require.ErrorAs(t, err, &ingestionErr)
		assert.Equal(t, model.StageVectorWritten, ingestionErr.Stage)
		assert.True(t, errors.Is(err, model.ErrEmbeddingUnavailable))

		require.NotNil(t, run.FailedStage)
		assert.Equal(t, model.StageVectorWritten, *run.FailedStage)
		assert.Len(t, stores.deleted, 1)
	})

	t.Run("Embedding store failure fails the vector stage", func(t *testing.T) {
		stores := &fakeStores{embeddingErr: fmt.Errorf("disk full")}
		orchestrator := newTestOrchestrator(t, stores, &fakeEmbedder{}, nil)

		_, err := orchestrator.Run(ctx, testDocument())
		assert.Error(t, err)

		var ingestionErr *model.IngestionError
		require.ErrorAs(t, err, &ingestionErr)
		assert.Equal(t, model.StageVectorWritten, ingestionErr.Stage)
	})

	t.Run("Cancelled context stops transient retries", func(t *testing.T) {
		stores := &fakeStores{
			chunkFailures: 100,
			chunkErr:      fmt.Errorf("%w: connection reset", model.ErrTransientStore),
		}
		orchestrator := newTestOrchestrator(t, stores, &fakeEmbedder{}, nil)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := orchestrator.Run(cancelled, testDocument())
		assert.Error(t, err)
		assert.LessOrEqual(t, stores.chunkAttempts, 2, "Expected the retry loop to stop on cancellation")
	})
}
