package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/knowgraph/knowgraph/helper"
	"github.com/knowgraph/knowgraph/model"
	"github.com/knowgraph/knowgraph/sql"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// EmbeddingsDBHandlerFunctions defines the interface for Embeddings database operations.
type EmbeddingsDBHandlerFunctions interface {
	UpsertEmbedding(embedding *model.Embedding) error
	SearchEmbeddings(ownerType model.OwnerType, modelVersion string, query []float32, limit int) ([]*model.SimilarityHit, error)
	DeleteEmbeddingsByOwners(ownerType model.OwnerType, ownerRIDs []uuid.UUID) (int, error)
	SelectOrphanedEmbeddings() ([]*model.Embedding, error)
	PurgeOrphanedEmbeddings() (int, error)
}

// EmbeddingsDBHandler handles embedding-related database operations
type EmbeddingsDBHandler struct {
	db  *helper.Database
	dim int
}

// NewEmbeddingsDBHandler creates a new embeddings database handler.
// The vector dimension is fixed at table creation, so it must match the
// embedder in use. If force is true, it will reload the SQL functions even
// if they already exist.
func NewEmbeddingsDBHandler(db *helper.Database, dim int, force bool) (*EmbeddingsDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}
	if dim <= 0 {
		return nil, helper.NewError("dimension validation", fmt.Errorf("embedding dimension must be positive, got %d", dim))
	}

	embeddingsDbHandler := &EmbeddingsDBHandler{
		db:  db,
		dim: dim,
	}

	err := sql.LoadEmbeddingsSql(embeddingsDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load embeddings sql", err)
	}

	err = embeddingsDbHandler.CreateTable()
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized EmbeddingsDBHandler")

	return embeddingsDbHandler, nil
}

// CreateTable creates the 'embeddings' table in the database with the
// handler's vector dimension. If the table already exists, it does not
// create it again.
func (h *EmbeddingsDBHandler) CreateTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_embeddings($1);`, h.dim)
	if err != nil {
		log.Panicf("error initializing embeddings table: %#v", err)
	}

	h.db.Logger.Info("Checked/created table embeddings")

	return nil
}

// UpsertEmbedding stores a vector for its owner. Writing the same
// (owner type, owner, model version) again is a no-op returning the existing
// row, so ingestion retries never duplicate vectors.
func (h *EmbeddingsDBHandler) UpsertEmbedding(embedding *model.Embedding) error {
	if len(embedding.Vector) != h.dim {
		return helper.NewError("dimension validation",
			fmt.Errorf("vector has dimension %d, table expects %d", len(embedding.Vector), h.dim))
	}

	var vec pgvector.Vector
	row := h.db.Instance.QueryRow(
		`SELECT * FROM upsert_embedding($1, $2, $3, $4)`,
		embedding.OwnerType,
		embedding.OwnerRID,
		embedding.ModelVersion,
		pgvector.NewVector(embedding.Vector),
	)

	err := row.Scan(
		&embedding.ID,
		&embedding.OwnerType,
		&embedding.OwnerRID,
		&embedding.ModelVersion,
		&vec,
		&embedding.CreatedAt,
	)
	if err != nil {
		return helper.NewError("scan", err)
	}
	embedding.Vector = vec.Slice()

	return nil
}

// SearchEmbeddings runs a cosine nearest-neighbor search over embeddings of
// one owner type and model version. Results are ordered by similarity
// descending with the row id as a stable tie break.
func (h *EmbeddingsDBHandler) SearchEmbeddings(ownerType model.OwnerType, modelVersion string, query []float32, limit int) ([]*model.SimilarityHit, error) {
	if len(query) != h.dim {
		return nil, helper.NewError("dimension validation",
			fmt.Errorf("query vector has dimension %d, table expects %d", len(query), h.dim))
	}

	rows, err := h.db.Instance.Query(
		`SELECT * FROM search_embeddings($1, $2, $3, $4)`,
		ownerType,
		modelVersion,
		pgvector.NewVector(query),
		limit,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	var hits []*model.SimilarityHit
	for rows.Next() {
		hit := &model.SimilarityHit{}
		err := rows.Scan(
			&hit.ID,
			&hit.OwnerRID,
			&hit.Similarity,
		)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}

		hits = append(hits, hit)
	}

	err = rows.Err()
	if err != nil {
		return nil, helper.NewError("rows error", err)
	}

	return hits, nil
}

// DeleteEmbeddingsByOwners deletes all embeddings of the given owners across
// all model versions and returns the number of rows removed.
func (h *EmbeddingsDBHandler) DeleteEmbeddingsByOwners(ownerType model.OwnerType, ownerRIDs []uuid.UUID) (int, error) {
	ridStrings := make([]string, 0, len(ownerRIDs))
	for _, rid := range ownerRIDs {
		ridStrings = append(ridStrings, rid.String())
	}

	var deleted int
	row := h.db.Instance.QueryRow(
		`SELECT delete_embeddings_by_owners($1, $2)`,
		ownerType,
		pq.Array(ridStrings),
	)

	err := row.Scan(&deleted)
	if err != nil {
		return 0, helper.NewError("scan", err)
	}

	return deleted, nil
}

// SelectOrphanedEmbeddings lists embeddings whose owner row no longer
// exists. Vectors are not loaded.
func (h *EmbeddingsDBHandler) SelectOrphanedEmbeddings() ([]*model.Embedding, error) {
	rows, err := h.db.Instance.Query(`SELECT * FROM select_orphaned_embeddings()`)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	var embeddings []*model.Embedding
	for rows.Next() {
		embedding := &model.Embedding{}
		err := rows.Scan(
			&embedding.ID,
			&embedding.OwnerType,
			&embedding.OwnerRID,
			&embedding.ModelVersion,
			&embedding.CreatedAt,
		)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}

		embeddings = append(embeddings, embedding)
	}

	err = rows.Err()
	if err != nil {
		return nil, helper.NewError("rows error", err)
	}

	return embeddings, nil
}

// PurgeOrphanedEmbeddings deletes all orphaned embeddings and returns the
// number of rows removed.
func (h *EmbeddingsDBHandler) PurgeOrphanedEmbeddings() (int, error) {
	var purged int
	row := h.db.Instance.QueryRow(`SELECT purge_orphaned_embeddings()`)

	err := row.Scan(&purged)
	if err != nil {
		return 0, helper.NewError("scan", err)
	}

	return purged, nil
}
