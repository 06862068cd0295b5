package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/knowgraph/knowgraph/core/pipeline"
	"github.com/knowgraph/knowgraph/helper"
	"github.com/knowgraph/knowgraph/model"
	"github.com/panjf2000/ants/v2"
)

// DocumentStore is the slice of the document handler the orchestrator needs.
type DocumentStore interface {
	InsertDocument(doc *model.Document) error
	DeleteDocument(rid uuid.UUID) (int, error)
}

// ChunkStore is the slice of the chunk handler the orchestrator needs.
type ChunkStore interface {
	InsertChunk(chunk *model.Chunk) error
}

// EmbeddingStore is the slice of the embedding handler the orchestrator needs.
type EmbeddingStore interface {
	UpsertEmbedding(embedding *model.Embedding) error
}

// RunStore persists the per-document ingestion state machine.
type RunStore interface {
	InsertIngestion(run *model.IngestionRun) error
	UpdateIngestionStage(run *model.IngestionRun) error
}

// GraphApplier merges one chunk's extraction candidates into the graph.
type GraphApplier interface {
	Apply(ctx context.Context, chunk *model.Chunk, entityCandidates []model.EntityCandidate, relationshipCandidates []model.RelationshipCandidate) ([]*model.Entity, error)
}

// Config tunes the orchestrator's worker pool and retry policy.
type Config struct {
	Workers        int           // Concurrent per-chunk workers
	MaxRetries     uint64        // Retries per transient store or embedding failure
	InitialBackoff time.Duration // First retry delay, doubled per attempt
	MaxBackoff     time.Duration // Retry delay ceiling
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Orchestrator drives a document through the ingestion stages, recording
// each transition so a crashed or failed run can be inspected afterwards.
// Transient failures are retried with exponential backoff; deterministic
// failures abort the run and trigger a compensating delete of the
// document's partial writes.
type Orchestrator struct {
	pipeline   *pipeline.Pipeline
	documents  DocumentStore
	chunks     ChunkStore
	embeddings EmbeddingStore
	applier    GraphApplier
	runs       RunStore
	pool       *ants.Pool
	config     Config
	logger     *slog.Logger
}

func NewOrchestrator(proc *pipeline.Pipeline, documents DocumentStore, chunks ChunkStore, embeddings EmbeddingStore, applier GraphApplier, runs RunStore, config Config, logger *slog.Logger) (*Orchestrator, error) {
	if proc == nil || proc.Chunker == nil || proc.Embedder == nil {
		return nil, helper.NewError("orchestrator validation", fmt.Errorf("pipeline with chunker and embedder must not be nil"))
	}
	if documents == nil || chunks == nil || embeddings == nil || runs == nil {
		return nil, helper.NewError("orchestrator validation", fmt.Errorf("document, chunk, embedding and run stores must not be nil"))
	}
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}

	pool, err := ants.NewPool(config.Workers)
	if err != nil {
		return nil, helper.NewError("worker pool creation", err)
	}

	return &Orchestrator{
		pipeline:   proc,
		documents:  documents,
		chunks:     chunks,
		embeddings: embeddings,
		applier:    applier,
		runs:       runs,
		pool:       pool,
		config:     config,
		logger:     logger,
	}, nil
}

// Close releases the worker pool.
func (o *Orchestrator) Close() {
	o.pool.Release()
}

// extraction holds one chunk's candidates between the extract and graph
// write stages.
type extraction struct {
	entities      []model.EntityCandidate
	relationships []model.RelationshipCandidate
}

// Run ingests one document. On success the returned run is at COMPLETE; on
// failure the run records the failed stage, partial writes are compensated
// with a document delete, and the error is an IngestionError wrapping the
// cause.
func (o *Orchestrator) Run(ctx context.Context, doc *model.Document) (*model.IngestionRun, error) {
	err := o.retry(ctx, func() error { return o.documents.InsertDocument(doc) })
	if err != nil {
		return nil, helper.NewError("insert document", err)
	}

	run := &model.IngestionRun{DocumentRID: doc.RID, Stage: model.StageReceived}
	err = o.runs.InsertIngestion(run)
	if err != nil {
		return nil, o.fail(ctx, run, doc, model.StageReceived, err)
	}

	chunks, err := o.persistChunks(ctx, doc)
	if err != nil {
		return run, o.fail(ctx, run, doc, model.StageChunked, err)
	}
	err = o.advance(ctx, run, model.StageChunked)
	if err != nil {
		return run, o.fail(ctx, run, doc, model.StageChunked, err)
	}

	extractions := o.extractCandidates(ctx, chunks)
	err = o.advance(ctx, run, model.StageExtracted)
	if err != nil {
		return run, o.fail(ctx, run, doc, model.StageExtracted, err)
	}

	err = o.writeGraph(ctx, chunks, extractions)
	if err != nil {
		return run, o.fail(ctx, run, doc, model.StageGraphWritten, err)
	}
	err = o.advance(ctx, run, model.StageGraphWritten)
	if err != nil {
		return run, o.fail(ctx, run, doc, model.StageGraphWritten, err)
	}

	err = o.writeVectors(ctx, chunks)
	if err != nil {
		return run, o.fail(ctx, run, doc, model.StageVectorWritten, err)
	}
	err = o.advance(ctx, run, model.StageVectorWritten)
	if err != nil {
		return run, o.fail(ctx, run, doc, model.StageVectorWritten, err)
	}

	err = o.advance(ctx, run, model.StageComplete)
	if err != nil {
		return run, o.fail(ctx, run, doc, model.StageComplete, err)
	}

	return run, nil
}

// persistChunks splits the document and inserts the chunks in ordinal order.
// The insert is an upsert on (document, ordinal), so re-ingesting a document
// replaces its chunks in place.
func (o *Orchestrator) persistChunks(ctx context.Context, doc *model.Document) ([]*model.Chunk, error) {
	drafts, err := o.pipeline.Chunker(doc.Content)
	if err != nil {
		return nil, helper.NewError("chunk document", err)
	}

	chunks := make([]*model.Chunk, 0, len(drafts))
	for _, draft := range drafts {
		chunk := &model.Chunk{
			DocumentID: doc.ID,
			Content:    draft.Content,
			Ordinal:    draft.Ordinal,
			TokenCount: draft.TokenCount,
			Metadata:   draft.Metadata,
		}
		err := o.retry(ctx, func() error { return o.chunks.InsertChunk(chunk) })
		if err != nil {
			return nil, helper.NewError("insert chunk", err)
		}
		chunks = append(chunks, chunk)
	}

	return chunks, nil
}

// extractCandidates fans extraction out over the worker pool. A chunk whose
// extraction fails outright is logged and contributes zero candidates; it
// never fails the run.
func (o *Orchestrator) extractCandidates(ctx context.Context, chunks []*model.Chunk) []extraction {
	extractions := make([]extraction, len(chunks))
	if o.pipeline.Extractor == nil {
		return extractions
	}

	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		err := o.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			entities, relationships, err := o.pipeline.Extractor(chunk)
			if err != nil {
				if o.logger != nil {
					o.logger.Warn("extraction failed for chunk, continuing with zero candidates",
						slog.String("chunk_rid", chunk.RID.String()),
						slog.Any("error", err))
				}
				return
			}
			extractions[i] = extraction{entities: entities, relationships: relationships}
		})
		if err != nil {
			// Pool rejected the task, run it inline.
			wg.Done()
			entities, relationships, extractErr := o.pipeline.Extractor(chunk)
			if extractErr == nil {
				extractions[i] = extraction{entities: entities, relationships: relationships}
			}
		}
	}
	wg.Wait()

	return extractions
}

// writeGraph applies each chunk's candidates in order. Graph writes stay
// sequential so entity merges and supersede chains happen deterministically.
func (o *Orchestrator) writeGraph(ctx context.Context, chunks []*model.Chunk, extractions []extraction) error {
	if o.applier == nil {
		return nil
	}

	for i, chunk := range chunks {
		if len(extractions[i].entities) == 0 && len(extractions[i].relationships) == 0 {
			continue
		}
		err := o.retry(ctx, func() error {
			_, err := o.applier.Apply(ctx, chunk, extractions[i].entities, extractions[i].relationships)
			return err
		})
		if err != nil {
			return helper.NewError("apply graph candidates", err)
		}
	}

	return nil
}

// writeVectors embeds every chunk in one batch and upserts the vectors over
// the worker pool.
func (o *Orchestrator) writeVectors(ctx context.Context, chunks []*model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	contents := make([]string, len(chunks))
	for i, chunk := range chunks {
		contents[i] = chunk.Content
	}

	var vectors [][]float32
	err := o.retry(ctx, func() error {
		var embedErr error
		vectors, embedErr = o.pipeline.Embedder.EmbedBatch(ctx, contents)
		return embedErr
	})
	if err != nil {
		return helper.NewError("embed chunks", err)
	}
	if len(vectors) != len(chunks) {
		return helper.NewError("embed chunks", fmt.Errorf("expected %d vectors, got %d", len(chunks), len(vectors)))
	}

	var wg sync.WaitGroup
	var mutex sync.Mutex
	var firstErr error
	for i, chunk := range chunks {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			upsertErr := o.retry(ctx, func() error {
				return o.embeddings.UpsertEmbedding(&model.Embedding{
					OwnerType:    model.OwnerTypeChunk,
					OwnerRID:     chunk.RID,
					ModelVersion: o.pipeline.Embedder.ModelVersion(),
					Vector:       vectors[i],
				})
			})
			if upsertErr != nil {
				mutex.Lock()
				if firstErr == nil {
					firstErr = upsertErr
				}
				mutex.Unlock()
			}
		}
		if o.pool.Submit(task) != nil {
			task()
		}
	}
	wg.Wait()

	if firstErr != nil {
		return helper.NewError("upsert chunk embedding", firstErr)
	}
	return nil
}

// advance moves the run to the next stage and persists the transition.
func (o *Orchestrator) advance(ctx context.Context, run *model.IngestionRun, stage model.IngestionStage) error {
	run.Stage = stage
	return o.retry(ctx, func() error { return o.runs.UpdateIngestionStage(run) })
}

// fail marks the run FAILED at the given stage, compensates the document's
// partial writes with a best-effort delete and wraps the cause in an
// IngestionError.
func (o *Orchestrator) fail(ctx context.Context, run *model.IngestionRun, doc *model.Document, stage model.IngestionStage, cause error) error {
	message := cause.Error()
	run.Stage = model.StageFailed
	run.FailedStage = &stage
	run.Error = &message
	err := o.runs.UpdateIngestionStage(run)
	if err != nil && o.logger != nil {
		o.logger.Error("recording failed ingestion stage",
			slog.String("document_rid", doc.RID.String()),
			slog.Any("error", err))
	}

	_, err = o.documents.DeleteDocument(doc.RID)
	if err != nil && o.logger != nil {
		o.logger.Error("compensating delete after failed ingestion",
			slog.String("document_rid", doc.RID.String()),
			slog.Any("error", err))
	}

	return &model.IngestionError{Stage: stage, DocumentRID: doc.RID, Cause: cause}
}

// retry runs the operation with exponential backoff. Only transient errors
// are retried; everything else fails immediately.
func (o *Orchestrator) retry(ctx context.Context, operation func() error) error {
	policy := backoff.NewExponentialBackOff()
	if o.config.InitialBackoff > 0 {
		policy.InitialInterval = o.config.InitialBackoff
	}
	if o.config.MaxBackoff > 0 {
		policy.MaxInterval = o.config.MaxBackoff
	}
	policy.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := operation()
		if err != nil && !model.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, o.config.MaxRetries), ctx))
}
