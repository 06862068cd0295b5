package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/knowgraph/knowgraph/core/graph"
	"github.com/knowgraph/knowgraph/core/pipeline"
	"github.com/knowgraph/knowgraph/helper"
	"github.com/knowgraph/knowgraph/model"
)

// VectorStore is the slice of the embedding handler the engine needs.
type VectorStore interface {
	SearchEmbeddings(ownerType model.OwnerType, modelVersion string, query []float32, limit int) ([]*model.SimilarityHit, error)
}

// ChunkStore is the slice of the chunk handler the engine needs.
type ChunkStore interface {
	SelectChunksByRIDs(rids []uuid.UUID) ([]*model.Chunk, error)
}

// EntityStore is the slice of the entity handler the engine needs.
type EntityStore interface {
	SelectEntitiesMentionedInChunk(chunkRID uuid.UUID) ([]*model.Entity, error)
}

// Engine provides hybrid retrieval: vector similarity search seeded into a
// budgeted graph expansion, merged into one ranked result list.
type Engine struct {
	embedder pipeline.Embedder
	vectors  VectorStore
	chunks   ChunkStore
	entities EntityStore
	graphDB  graph.GraphDB
	logger   *slog.Logger
}

// NewEngine creates a new retrieval engine. The graph store may be nil, in
// which case every query runs as pure vector search.
func NewEngine(embedder pipeline.Embedder, vectors VectorStore, chunks ChunkStore, entities EntityStore, graphDB graph.GraphDB, logger *slog.Logger) (*Engine, error) {
	if embedder == nil || vectors == nil || chunks == nil {
		return nil, helper.NewError("engine validation", fmt.Errorf("embedder, vector store and chunk store must not be nil"))
	}

	return &Engine{
		embedder: embedder,
		vectors:  vectors,
		chunks:   chunks,
		entities: entities,
		graphDB:  graphDB,
		logger:   logger,
	}, nil
}

// graphCandidate is a chunk reached through the graph before merging.
type graphCandidate struct {
	score       float64
	hopDistance int
	path        []model.Hop
}

// Retrieve runs the hybrid query. Vector search over chunk embeddings yields
// the seeds; entities mentioned in the seeds are expanded over the graph up
// to MaxHops, and every chunk a reached entity mentions scores
// seedScore * HopDecay^hops. A chunk found by both paths sums its scores and
// is marked provenance BOTH. Zero vector hits return an empty result with a
// nil error. Graph store failures degrade to vector-only results.
func (e *Engine) Retrieve(ctx context.Context, queryText string, cfg model.QueryConfig) ([]*model.RetrievalResult, error) {
	cfg = e.normalizeConfig(cfg)

	query, err := e.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, helper.NewError("embed query", err)
	}

	hits, err := e.vectors.SearchEmbeddings(model.OwnerTypeChunk, cfg.ModelVersion, query, cfg.TopK*cfg.OverfetchFactor)
	if err != nil {
		return nil, helper.NewError("vector search", err)
	}

	seeds := make(map[uuid.UUID]float64)
	var seedOrder []uuid.UUID
	for _, hit := range hits {
		if hit.Similarity < cfg.SimilarityThreshold {
			continue
		}
		if _, ok := seeds[hit.OwnerRID]; ok {
			continue
		}
		seeds[hit.OwnerRID] = hit.Similarity
		seedOrder = append(seedOrder, hit.OwnerRID)
		if len(seedOrder) >= cfg.TopK {
			break
		}
	}
	if len(seedOrder) == 0 {
		return []*model.RetrievalResult{}, nil
	}

	var candidates map[uuid.UUID]*graphCandidate
	if cfg.MaxHops > 0 && e.graphDB != nil && e.entities != nil {
		candidates = e.expandGraph(ctx, seeds, seedOrder, cfg)
	}

	return e.mergeAndRank(seeds, seedOrder, candidates, cfg.TopK)
}

// expandGraph walks the graph from the seed chunks' entities and collects
// hop-decayed chunk candidates. Any store failure during the expansion is
// logged and yields nil, degrading the query to vector-only.
func (e *Engine) expandGraph(ctx context.Context, seeds map[uuid.UUID]float64, seedOrder []uuid.UUID, cfg model.QueryConfig) map[uuid.UUID]*graphCandidate {
	// Seed entities score as the best similarity of a seed chunk mentioning them.
	entityScores := make(map[uuid.UUID]float64)
	var entityRIDs []uuid.UUID
	for _, chunkRID := range seedOrder {
		entities, err := e.entities.SelectEntitiesMentionedInChunk(chunkRID)
		if err != nil {
			e.logDegradation("select seed entities", err)
			return nil
		}
		for _, entity := range entities {
			if seeds[chunkRID] > entityScores[entity.RID] {
				entityScores[entity.RID] = seeds[chunkRID]
			}
			entityRIDs = append(entityRIDs, entity.RID)
		}
	}
	if len(entityRIDs) == 0 {
		return nil
	}

	reached, err := graph.BFS(ctx, e.graphDB, entityRIDs, cfg.MaxHops, cfg.EdgeTypes, cfg.VisitBudget)
	if err != nil {
		if !errors.Is(err, model.ErrTraversalBudgetExceeded) {
			e.logDegradation("graph traversal", err)
			return nil
		}
		// Budget exhausted, keep the partial expansion.
		if e.logger != nil {
			e.logger.Warn("graph expansion hit visit budget, using partial results",
				slog.Int("visit_budget", cfg.VisitBudget),
				slog.Int("entities_reached", len(reached)))
		}
	}

	candidates := make(map[uuid.UUID]*graphCandidate)
	for _, traversal := range reached {
		seedScore := e.originScore(traversal, entityScores)
		if seedScore == 0 {
			continue
		}

		edges, err := e.graphDB.EdgesTouchingEntity(ctx, traversal.EntityRID)
		if err != nil {
			e.logDegradation("select mention edges", err)
			return nil
		}

		for _, edge := range edges {
			if !edge.Live() || edge.EdgeType != model.EdgeTypeMentions || edge.TargetChunkRID == nil {
				continue
			}
			if edge.SourceEntityRID == nil || *edge.SourceEntityRID != traversal.EntityRID {
				continue
			}

			hops := traversal.Distance + 1
			score := seedScore * math.Pow(cfg.HopDecay, float64(hops))
			existing, ok := candidates[*edge.TargetChunkRID]
			if ok && existing.score >= score {
				continue
			}

			path := make([]model.Hop, len(traversal.Path), len(traversal.Path)+1)
			copy(path, traversal.Path)
			path = append(path, model.Hop{
				EdgeRID:  edge.RID,
				EdgeType: edge.EdgeType,
				FromRID:  traversal.EntityRID,
				ToRID:    *edge.TargetChunkRID,
			})
			candidates[*edge.TargetChunkRID] = &graphCandidate{
				score:       score,
				hopDistance: hops,
				path:        path,
			}
		}
	}

	return candidates
}

// originScore resolves the seed entity a traversal result descends from and
// returns that seed's score.
func (e *Engine) originScore(traversal *graph.TraversalResult, entityScores map[uuid.UUID]float64) float64 {
	if traversal.Distance == 0 {
		return entityScores[traversal.EntityRID]
	}
	if len(traversal.Path) == 0 {
		return 0
	}
	return entityScores[traversal.Path[0].FromRID]
}

// mergeAndRank combines vector seeds and graph candidates into the final
// ranked list. Ordering is score descending, ties broken by document recency
// and finally by chunk RID so results are stable.
func (e *Engine) mergeAndRank(seeds map[uuid.UUID]float64, seedOrder []uuid.UUID, candidates map[uuid.UUID]*graphCandidate, topK int) ([]*model.RetrievalResult, error) {
	ridSet := make(map[uuid.UUID]bool, len(seeds)+len(candidates))
	var rids []uuid.UUID
	for _, rid := range seedOrder {
		ridSet[rid] = true
		rids = append(rids, rid)
	}
	for rid := range candidates {
		if !ridSet[rid] {
			ridSet[rid] = true
			rids = append(rids, rid)
		}
	}

	chunks, err := e.chunks.SelectChunksByRIDs(rids)
	if err != nil {
		return nil, helper.NewError("select chunks", err)
	}
	chunkByRID := make(map[uuid.UUID]*model.Chunk, len(chunks))
	for _, chunk := range chunks {
		chunkByRID[chunk.RID] = chunk
	}

	results := make([]*model.RetrievalResult, 0, len(rids))
	for _, rid := range rids {
		chunk, ok := chunkByRID[rid]
		if !ok {
			// Deleted between search and fetch.
			continue
		}

		similarity, fromVector := seeds[rid]
		candidate := candidates[rid]

		result := &model.RetrievalResult{
			Chunk:           chunk,
			SimilarityScore: similarity,
		}
		switch {
		case fromVector && candidate != nil:
			result.Provenance = model.ProvenanceBoth
			result.GraphScore = candidate.score
			result.HopDistance = candidate.hopDistance
			result.Path = candidate.path
			result.Score = similarity + candidate.score
		case candidate != nil:
			result.Provenance = model.ProvenanceGraph
			result.GraphScore = candidate.score
			result.HopDistance = candidate.hopDistance
			result.Path = candidate.path
			result.Score = candidate.score
		default:
			result.Provenance = model.ProvenanceVector
			result.Score = similarity
		}
		results = append(results, result)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		a, b := results[i].Chunk, results[j].Chunk
		if !a.DocumentCreatedAt.Equal(b.DocumentCreatedAt) {
			return a.DocumentCreatedAt.After(b.DocumentCreatedAt)
		}
		return strings.Compare(a.RID.String(), b.RID.String()) < 0
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (e *Engine) normalizeConfig(cfg model.QueryConfig) model.QueryConfig {
	defaults := model.DefaultQueryConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = defaults.TopK
	}
	if cfg.OverfetchFactor <= 0 {
		cfg.OverfetchFactor = defaults.OverfetchFactor
	}
	if cfg.HopDecay <= 0 {
		cfg.HopDecay = defaults.HopDecay
	}
	if cfg.VisitBudget <= 0 {
		cfg.VisitBudget = defaults.VisitBudget
	}
	if cfg.ModelVersion == "" {
		cfg.ModelVersion = e.embedder.ModelVersion()
	}
	if cfg.EdgeTypes == nil {
		cfg.EdgeTypes = []model.EdgeType{model.EdgeTypeMentions, model.EdgeTypeRelatesTo}
	}
	return cfg
}

func (e *Engine) logDegradation(operation string, err error) {
	if e.logger == nil {
		return
	}
	e.logger.Warn("graph expansion failed, degrading to vector-only results",
		slog.String("operation", operation),
		slog.Any("error", err))
}
