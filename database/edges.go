package database

import (
	"context"
	gosql "database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/knowgraph/knowgraph/helper"
	"github.com/knowgraph/knowgraph/model"
	"github.com/knowgraph/knowgraph/sql"
)

// EdgesDBHandlerFunctions defines the interface for Edges database operations.
type EdgesDBHandlerFunctions interface {
	UpsertEdge(edge *model.Edge) (bool, error)
	SelectEdge(rid uuid.UUID) (*model.Edge, error)
	SelectEdgesFromEntity(entityRID uuid.UUID) ([]*model.Edge, error)
	SelectEdgesToEntity(entityRID uuid.UUID) ([]*model.Edge, error)
	SelectEdgesTouchingEntity(entityRID uuid.UUID) ([]*model.Edge, error)
	SelectEdgesToChunk(chunkRID uuid.UUID) ([]*model.Edge, error)
	DeleteEdge(rid uuid.UUID) error
}

// EdgesDBHandler handles edge-related database operations
type EdgesDBHandler struct {
	db *helper.Database
}

// NewEdgesDBHandler creates a new edges database handler.
// It initializes the database connection and loads edge-related SQL functions.
// If force is true, it will reload the SQL functions even if they already exist.
func NewEdgesDBHandler(db *helper.Database, force bool) (*EdgesDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}

	edgesDbHandler := &EdgesDBHandler{
		db: db,
	}

	err := sql.LoadEdgesSql(edgesDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load edges sql", err)
	}

	err = edgesDbHandler.CreateTable()
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized EdgesDBHandler")

	return edgesDbHandler, nil
}

// CreateTable creates the 'edges' table in the database.
// If the table already exists, it does not create it again.
func (h *EdgesDBHandler) CreateTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_edges();`)
	if err != nil {
		log.Panicf("error initializing edges table: %#v", err)
	}

	h.db.Logger.Info("Checked/created table edges")

	return nil
}

// UpsertEdge writes a relationship. If a live edge with the same endpoints
// and type already exists, equal-or-lower confidence returns the existing
// edge unchanged, higher confidence inserts a replacement and marks the old
// edge as superseded. The returned bool reports whether a new live edge was
// created where none existed before.
func (h *EdgesDBHandler) UpsertEdge(edge *model.Edge) (bool, error) {
	var inserted bool
	row := h.db.Instance.QueryRow(
		`SELECT * FROM upsert_edge($1, $2, $3, $4, $5, $6, $7, $8)`,
		edge.SourceEntityRID,
		edge.TargetEntityRID,
		edge.SourceChunkRID,
		edge.TargetChunkRID,
		edge.EdgeType,
		edge.Confidence,
		edge.EvidenceChunkRID,
		edge.Metadata,
	)

	err := row.Scan(
		&edge.ID,
		&edge.RID,
		&edge.SourceEntityRID,
		&edge.TargetEntityRID,
		&edge.SourceChunkRID,
		&edge.TargetChunkRID,
		&edge.EdgeType,
		&edge.Confidence,
		&edge.EvidenceChunkRID,
		&edge.SupersededBy,
		&edge.Metadata,
		&edge.CreatedAt,
		&inserted,
	)
	if err != nil {
		return false, helper.NewError("scan", err)
	}

	return inserted, nil
}

// SelectEdge retrieves an edge by RID
func (h *EdgesDBHandler) SelectEdge(rid uuid.UUID) (*model.Edge, error) {
	edge := &model.Edge{}
	row := h.db.Instance.QueryRow(
		`SELECT * FROM select_edge($1)`,
		rid,
	)

	err := row.Scan(
		&edge.ID,
		&edge.RID,
		&edge.SourceEntityRID,
		&edge.TargetEntityRID,
		&edge.SourceChunkRID,
		&edge.TargetChunkRID,
		&edge.EdgeType,
		&edge.Confidence,
		&edge.EvidenceChunkRID,
		&edge.SupersededBy,
		&edge.Metadata,
		&edge.CreatedAt,
	)
	if err != nil {
		return nil, helper.NewError("scan", err)
	}

	return edge, nil
}

// SelectEdgesFromEntity retrieves all live edges with the entity as source
func (h *EdgesDBHandler) SelectEdgesFromEntity(entityRID uuid.UUID) ([]*model.Edge, error) {
	rows, err := h.db.Instance.Query(
		`SELECT * FROM select_edges_from_entity($1)`,
		entityRID,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return scanEdges(rows)
}

// SelectEdgesToEntity retrieves all live edges with the entity as target
func (h *EdgesDBHandler) SelectEdgesToEntity(entityRID uuid.UUID) ([]*model.Edge, error) {
	rows, err := h.db.Instance.Query(
		`SELECT * FROM select_edges_to_entity($1)`,
		entityRID,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return scanEdges(rows)
}

// SelectEdgesTouchingEntity retrieves all live edges with the entity as
// either endpoint
func (h *EdgesDBHandler) SelectEdgesTouchingEntity(entityRID uuid.UUID) ([]*model.Edge, error) {
	rows, err := h.db.Instance.Query(
		`SELECT * FROM select_edges_touching_entity($1)`,
		entityRID,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return scanEdges(rows)
}

// SelectEdgesToChunk retrieves all live edges with the chunk as target
func (h *EdgesDBHandler) SelectEdgesToChunk(chunkRID uuid.UUID) ([]*model.Edge, error) {
	rows, err := h.db.Instance.Query(
		`SELECT * FROM select_edges_to_chunk($1)`,
		chunkRID,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return scanEdges(rows)
}

// DeleteEdge deletes an edge by RID
func (h *EdgesDBHandler) DeleteEdge(rid uuid.UUID) error {
	_, err := h.db.Instance.Exec(
		`SELECT delete_edge($1)`,
		rid,
	)
	if err != nil {
		return helper.NewError("exec", err)
	}
	return nil
}

func scanEdges(rows *gosql.Rows) ([]*model.Edge, error) {
	var edges []*model.Edge
	for rows.Next() {
		edge := &model.Edge{}
		err := rows.Scan(
			&edge.ID,
			&edge.RID,
			&edge.SourceEntityRID,
			&edge.TargetEntityRID,
			&edge.SourceChunkRID,
			&edge.TargetChunkRID,
			&edge.EdgeType,
			&edge.Confidence,
			&edge.EvidenceChunkRID,
			&edge.SupersededBy,
			&edge.Metadata,
			&edge.CreatedAt,
		)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}

		edges = append(edges, edge)
	}

	err := rows.Err()
	if err != nil {
		return nil, helper.NewError("rows error", err)
	}

	return edges, nil
}
