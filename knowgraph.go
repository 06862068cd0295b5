package knowgraph

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/knowgraph/knowgraph/core/answer"
	"github.com/knowgraph/knowgraph/core/builder"
	"github.com/knowgraph/knowgraph/core/ingest"
	"github.com/knowgraph/knowgraph/core/pipeline"
	"github.com/knowgraph/knowgraph/core/retrieval"
	"github.com/knowgraph/knowgraph/database"
	"github.com/knowgraph/knowgraph/helper"
	"github.com/knowgraph/knowgraph/model"
	loadSql "github.com/knowgraph/knowgraph/sql"
)

// KnowGraph provides a unified interface to ingestion, the knowledge graph
// and hybrid retrieval.
type KnowGraph struct {
	DB         *helper.Database
	Documents  *database.DocumentsDBHandler
	Chunks     *database.ChunksDBHandler
	Entities   *database.EntitiesDBHandler
	Edges      *database.EdgesDBHandler
	Embeddings *database.EmbeddingsDBHandler
	Ingestions *database.IngestionsDBHandler
	Pipeline   *pipeline.Pipeline // Optional processing pipeline
	Builder    *builder.Builder   // Graph builder, wired when the pipeline is set
	Engine     *retrieval.Engine  // Hybrid retrieval engine, wired when the pipeline is set

	orchestrator *ingest.Orchestrator
	ingestConfig ingest.Config
	generator    answer.Generator
	log          *slog.Logger
}

// New creates a KnowGraph instance with all handlers initialized. The
// embedding dimension is fixed at schema load time and must match the
// embedder used later.
func New(config *helper.DatabaseConfiguration, embeddingDim int) (*KnowGraph, error) {
	opts := helper.PrettyHandlerOptions{
		SlogOpts: slog.HandlerOptions{
			Level: slog.LevelInfo,
		},
	}
	logger := slog.New(helper.NewPrettyHandler(os.Stdout, opts))

	db := helper.NewDatabase("knowgraph", config, logger)
	err := loadSql.Init(db.Instance)
	if err != nil {
		return nil, helper.NewError("initialize database extensions", err)
	}

	// Handlers in dependency order: documents before chunks, entities and
	// chunks before edges and embeddings. force=false keeps existing
	// functions in place.
	documents, err := database.NewDocumentsDBHandler(db, false)
	if err != nil {
		return nil, helper.NewError("create documents handler", err)
	}

	chunks, err := database.NewChunksDBHandler(db, false)
	if err != nil {
		return nil, helper.NewError("create chunks handler", err)
	}

	entities, err := database.NewEntitiesDBHandler(db, false)
	if err != nil {
		return nil, helper.NewError("create entities handler", err)
	}

	edges, err := database.NewEdgesDBHandler(db, false)
	if err != nil {
		return nil, helper.NewError("create edges handler", err)
	}

	embeddings, err := database.NewEmbeddingsDBHandler(db, embeddingDim, false)
	if err != nil {
		return nil, helper.NewError("create embeddings handler", err)
	}

	ingestions, err := database.NewIngestionsDBHandler(db, false)
	if err != nil {
		return nil, helper.NewError("create ingestions handler", err)
	}

	return &KnowGraph{
		DB:           db,
		Documents:    documents,
		Chunks:       chunks,
		Entities:     entities,
		Edges:        edges,
		Embeddings:   embeddings,
		Ingestions:   ingestions,
		ingestConfig: ingest.DefaultConfig(),
		log:          logger,
	}, nil
}

// Close releases the ingestion worker pool and the database connection.
func (k *KnowGraph) Close() error {
	if k.orchestrator != nil {
		k.orchestrator.Close()
	}
	if k.DB != nil && k.DB.Instance != nil {
		return k.DB.Instance.Close()
	}
	return nil
}

// SetPipeline sets the processing pipeline and wires the graph builder,
// retrieval engine and ingestion orchestrator around it.
func (k *KnowGraph) SetPipeline(proc *pipeline.Pipeline) error {
	if proc == nil || proc.Chunker == nil || proc.Embedder == nil {
		return helper.NewError("set pipeline", fmt.Errorf("pipeline with chunker and embedder must not be nil"))
	}
	return k.wire(proc)
}

// UseDefaultPipeline sets up sentence-boundary chunking with a 300 token
// budget, the all-MiniLM-L6-v2 embedder (384 dimensions) and NER-based
// entity extraction backed up by rule extraction.
func (k *KnowGraph) UseDefaultPipeline() error {
	chunker, err := pipeline.NewChunker(pipeline.StrategySentenceBoundary, 300, nil)
	if err != nil {
		return helper.NewError("create default chunker", err)
	}

	embedder, err := pipeline.NewHugotEmbedder()
	if err != nil {
		return helper.NewError("create default embedder", err)
	}

	ner, err := pipeline.NERExtractor()
	if err != nil {
		return helper.NewError("create default extractor", err)
	}

	proc := pipeline.NewPipeline(chunker, embedder)
	proc.SetExtractor(pipeline.CompositeExtractor(k.log, ner, pipeline.RuleExtractor()))
	return k.wire(proc)
}

// SetIngestConfig replaces the orchestrator's worker and retry settings.
// Takes effect immediately when a pipeline is already wired.
func (k *KnowGraph) SetIngestConfig(config ingest.Config) error {
	k.ingestConfig = config
	if k.Pipeline != nil {
		return k.wire(k.Pipeline)
	}
	return nil
}

// SetGenerator sets the answer generator used by Answer.
func (k *KnowGraph) SetGenerator(generator answer.Generator) {
	k.generator = generator
}

func (k *KnowGraph) wire(proc *pipeline.Pipeline) error {
	graphBuilder, err := builder.NewBuilder(k.Entities, k.Edges, k.Embeddings, proc.Embedder, k.log)
	if err != nil {
		return helper.NewError("create graph builder", err)
	}

	engine, err := retrieval.NewEngine(proc.Embedder, k.Embeddings, k.Chunks, k.Entities, &edgeStoreAdapter{edges: k.Edges}, k.log)
	if err != nil {
		return helper.NewError("create retrieval engine", err)
	}

	orchestrator, err := ingest.NewOrchestrator(proc, k.Documents, k.Chunks, k.Embeddings, graphBuilder, k.Ingestions, k.ingestConfig, k.log)
	if err != nil {
		return helper.NewError("create orchestrator", err)
	}

	if k.orchestrator != nil {
		k.orchestrator.Close()
	}
	k.Pipeline = proc
	k.Builder = graphBuilder
	k.Engine = engine
	k.orchestrator = orchestrator
	return nil
}

// Ingest runs one document through the full pipeline: chunking, extraction,
// graph writes and vector writes. The document's Content field is consumed
// during processing and never stored; the text lives on as chunks. Returns
// the ingestion run, which is at COMPLETE on success.
func (k *KnowGraph) Ingest(ctx context.Context, doc *model.Document) (*model.IngestionRun, error) {
	if k.orchestrator == nil {
		return nil, helper.NewError("ingest", fmt.Errorf("pipeline not set, use SetPipeline() or UseDefaultPipeline() first"))
	}
	if doc.Content == "" {
		return nil, helper.NewError("ingest", fmt.Errorf("document content is empty"))
	}

	run, err := k.orchestrator.Run(ctx, doc)
	if err != nil {
		return run, err
	}

	k.log.Info("Ingested document",
		slog.String("document_rid", doc.RID.String()),
		slog.String("title", doc.Title))
	return run, nil
}

// IngestFile reads a file and ingests it as a document titled after the
// filename.
func (k *KnowGraph) IngestFile(ctx context.Context, filePath string, metadata model.Metadata) (*model.Document, *model.IngestionRun, error) {
	doc, err := model.NewDocumentFromFile(filePath, metadata)
	if err != nil {
		return nil, nil, helper.NewError("read document file", err)
	}

	run, err := k.Ingest(ctx, doc)
	return doc, run, err
}

// Retrieve runs a hybrid query: vector similarity seeds expanded over the
// knowledge graph, merged into one ranked result list.
func (k *KnowGraph) Retrieve(ctx context.Context, query string, config model.QueryConfig) ([]*model.RetrievalResult, error) {
	if k.Engine == nil {
		return nil, helper.NewError("retrieve", fmt.Errorf("pipeline not set, use SetPipeline() or UseDefaultPipeline() first"))
	}
	return k.Engine.Retrieve(ctx, query, config)
}

// Answer retrieves context for the query and asks the configured generator
// for a grounded answer. The retrieved results are returned alongside the
// answer for citation display.
func (k *KnowGraph) Answer(ctx context.Context, query string, config model.QueryConfig) (string, []*model.RetrievalResult, error) {
	if k.generator == nil {
		return "", nil, helper.NewError("answer", fmt.Errorf("generator not set, use SetGenerator() first"))
	}

	results, err := k.Retrieve(ctx, query, config)
	if err != nil {
		return "", nil, err
	}

	text, err := k.generator.Generate(ctx, query, results)
	if err != nil {
		return "", results, helper.NewError("generate answer", err)
	}
	return text, results, nil
}

// DeleteDocument removes a document and everything derived from it: chunks,
// chunk embeddings, edges and entities no longer mentioned anywhere else.
// Returns the number of chunks deleted.
func (k *KnowGraph) DeleteDocument(rid uuid.UUID) (int, error) {
	return k.Documents.DeleteDocument(rid)
}

// ReconstructDocument rebuilds a document's text by concatenating its chunks
// in ordinal order.
func (k *KnowGraph) ReconstructDocument(rid uuid.UUID) (string, error) {
	chunks, err := k.Chunks.SelectChunksByDocument(rid)
	if err != nil {
		return "", helper.NewError("select chunks", err)
	}

	contents := make([]string, len(chunks))
	for i, chunk := range chunks {
		contents[i] = chunk.Content
	}
	return strings.Join(contents, "\n\n"), nil
}

// IngestionStatus returns the latest ingestion run for a document.
func (k *KnowGraph) IngestionStatus(documentRID uuid.UUID) (*model.IngestionRun, error) {
	return k.Ingestions.SelectIngestionByDocument(documentRID)
}

// RepairConsistency removes embeddings whose owning chunk or entity no
// longer exists and returns how many were purged.
func (k *KnowGraph) RepairConsistency() (int, error) {
	purged, err := k.Embeddings.PurgeOrphanedEmbeddings()
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		k.log.Warn("Purged orphaned embeddings", slog.Int("count", purged))
	}
	return purged, nil
}

// ChangeIndexType switches the vector index between HNSW and IVFFlat.
func (k *KnowGraph) ChangeIndexType(ctx context.Context, indexType string, params map[string]interface{}) error {
	return k.Embeddings.ChangeIndexType(ctx, indexType, params)
}

// edgeStoreAdapter exposes the edges handler through the traversal interface.
type edgeStoreAdapter struct {
	edges *database.EdgesDBHandler
}

func (a *edgeStoreAdapter) EdgesTouchingEntity(ctx context.Context, entityRID uuid.UUID) ([]*model.Edge, error) {
	return a.edges.SelectEdgesTouchingEntity(entityRID)
}
