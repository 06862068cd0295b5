package model

import (
	"time"

	"github.com/google/uuid"
)

// OwnerType identifies what kind of row an embedding belongs to. Chunk-level
// and entity-level embeddings live in the same table but never mix in a
// single similarity query.
type OwnerType string

const (
	OwnerTypeChunk  OwnerType = "CHUNK"
	OwnerTypeEntity OwnerType = "ENTITY"
)

// Embedding is a persisted vector for a chunk or entity. One embedding exists
// per (owner, model version); re-embedding with a new model version creates a
// new record rather than overwriting, so older versions stay available for
// rollback.
type Embedding struct {
	ID           int64     `json:"id"`
	OwnerType    OwnerType `json:"owner_type"`
	OwnerRID     uuid.UUID `json:"owner_rid"`
	ModelVersion string    `json:"model_version"`
	Vector       []float32 `json:"vector,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SimilarityHit is one nearest-neighbor search result.
type SimilarityHit struct {
	ID         int64     `json:"id"`
	OwnerRID   uuid.UUID `json:"owner_rid"`
	Similarity float64   `json:"similarity"`
}
