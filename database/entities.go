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

// EntitiesDBHandlerFunctions defines the interface for Entities database operations.
type EntitiesDBHandlerFunctions interface {
	UpsertEntity(entity *model.Entity) error
	SelectEntity(rid uuid.UUID) (*model.Entity, error)
	SelectEntityByKey(normalizedKey string) (*model.Entity, error)
	SelectEntitiesBySearch(searchTerm string, limit int) ([]*model.Entity, error)
	SelectEntitiesByType(entityType model.EntityType, limit int) ([]*model.Entity, error)
	SelectEntitiesMentionedInChunk(chunkRID uuid.UUID) ([]*model.Entity, error)
	IncrementEntityMentions(rid uuid.UUID, delta int) (*model.Entity, error)
	DeleteEntity(rid uuid.UUID) error
}

// EntitiesDBHandler handles entity-related database operations
type EntitiesDBHandler struct {
	db *helper.Database
}

// NewEntitiesDBHandler creates a new entities database handler.
// It initializes the database connection and loads entity-related SQL functions.
// If force is true, it will reload the SQL functions even if they already exist.
func NewEntitiesDBHandler(db *helper.Database, force bool) (*EntitiesDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}

	entitiesDbHandler := &EntitiesDBHandler{
		db: db,
	}

	err := sql.LoadEntitiesSql(entitiesDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load entities sql", err)
	}

	err = entitiesDbHandler.CreateTable()
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized EntitiesDBHandler")

	return entitiesDbHandler, nil
}

// CreateTable creates the 'entities' table in the database.
// If the table already exists, it does not create it again.
func (h *EntitiesDBHandler) CreateTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_entities();`)
	if err != nil {
		log.Panicf("error initializing entities table: %#v", err)
	}

	h.db.Logger.Info("Checked/created table entities")

	return nil
}

// UpsertEntity inserts an entity or merges it into the existing entity with
// the same normalized key. The merge is atomic, concurrent upserts of the
// same key never create duplicates. The passed entity is updated in place
// with the persisted row.
func (h *EntitiesDBHandler) UpsertEntity(entity *model.Entity) error {
	if entity.NormalizedKey == "" {
		entity.NormalizedKey = model.NormalizeKey(entity.Name, entity.Type)
	}

	row := h.db.Instance.QueryRow(
		`SELECT * FROM upsert_entity($1, $2, $3, $4)`,
		entity.Name,
		entity.Type,
		entity.NormalizedKey,
		entity.Metadata,
	)

	err := row.Scan(
		&entity.ID,
		&entity.RID,
		&entity.Name,
		&entity.Type,
		&entity.NormalizedKey,
		&entity.MentionCount,
		&entity.Metadata,
		&entity.CreatedAt,
		&entity.UpdatedAt,
	)
	if err != nil {
		return helper.NewError("scan", err)
	}

	return nil
}

// SelectEntity retrieves an entity by RID
func (h *EntitiesDBHandler) SelectEntity(rid uuid.UUID) (*model.Entity, error) {
	entity := &model.Entity{}
	row := h.db.Instance.QueryRow(
		`SELECT * FROM select_entity($1)`,
		rid,
	)

	err := row.Scan(
		&entity.ID,
		&entity.RID,
		&entity.Name,
		&entity.Type,
		&entity.NormalizedKey,
		&entity.MentionCount,
		&entity.Metadata,
		&entity.CreatedAt,
		&entity.UpdatedAt,
	)
	if err != nil {
		return nil, helper.NewError("scan", err)
	}

	return entity, nil
}

// SelectEntityByKey retrieves an entity by its normalized key
func (h *EntitiesDBHandler) SelectEntityByKey(normalizedKey string) (*model.Entity, error) {
	entity := &model.Entity{}
	row := h.db.Instance.QueryRow(
		`SELECT * FROM select_entity_by_key($1)`,
		normalizedKey,
	)

	err := row.Scan(
		&entity.ID,
		&entity.RID,
		&entity.Name,
		&entity.Type,
		&entity.NormalizedKey,
		&entity.MentionCount,
		&entity.Metadata,
		&entity.CreatedAt,
		&entity.UpdatedAt,
	)
	if err != nil {
		return nil, helper.NewError("scan", err)
	}

	return entity, nil
}

// SelectEntitiesBySearch searches entities by name
func (h *EntitiesDBHandler) SelectEntitiesBySearch(searchTerm string, limit int) ([]*model.Entity, error) {
	rows, err := h.db.Instance.Query(
		`SELECT * FROM search_entities($1, $2)`,
		searchTerm,
		limit,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// SelectEntitiesByType retrieves entities of a given type ordered by mention count
func (h *EntitiesDBHandler) SelectEntitiesByType(entityType model.EntityType, limit int) ([]*model.Entity, error) {
	rows, err := h.db.Instance.Query(
		`SELECT * FROM select_entities_by_type($1, $2)`,
		entityType,
		limit,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// SelectEntitiesMentionedInChunk retrieves all entities connected to a chunk
// via a live MENTIONS edge
func (h *EntitiesDBHandler) SelectEntitiesMentionedInChunk(chunkRID uuid.UUID) ([]*model.Entity, error) {
	rows, err := h.db.Instance.Query(
		`SELECT * FROM select_entities_mentioned_in_chunk($1)`,
		chunkRID,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// IncrementEntityMentions adjusts an entity's mention count by delta.
// The count never goes below zero.
func (h *EntitiesDBHandler) IncrementEntityMentions(rid uuid.UUID, delta int) (*model.Entity, error) {
	entity := &model.Entity{}
	row := h.db.Instance.QueryRow(
		`SELECT * FROM increment_entity_mentions($1, $2)`,
		rid,
		delta,
	)

	err := row.Scan(
		&entity.ID,
		&entity.RID,
		&entity.Name,
		&entity.Type,
		&entity.NormalizedKey,
		&entity.MentionCount,
		&entity.Metadata,
		&entity.CreatedAt,
		&entity.UpdatedAt,
	)
	if err != nil {
		return nil, helper.NewError("scan", err)
	}

	return entity, nil
}

// DeleteEntity deletes an entity with its edges and embeddings
func (h *EntitiesDBHandler) DeleteEntity(rid uuid.UUID) error {
	_, err := h.db.Instance.Exec(
		`SELECT delete_entity($1)`,
		rid,
	)
	if err != nil {
		return helper.NewError("exec", err)
	}
	return nil
}

func scanEntities(rows *gosql.Rows) ([]*model.Entity, error) {
	var entities []*model.Entity
	for rows.Next() {
		entity := &model.Entity{}
		err := rows.Scan(
			&entity.ID,
			&entity.RID,
			&entity.Name,
			&entity.Type,
			&entity.NormalizedKey,
			&entity.MentionCount,
			&entity.Metadata,
			&entity.CreatedAt,
			&entity.UpdatedAt,
		)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}

		entities = append(entities, entity)
	}

	err := rows.Err()
	if err != nil {
		return nil, helper.NewError("rows error", err)
	}

	return entities, nil
}
