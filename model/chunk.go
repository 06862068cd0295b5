package model

import (
	"time"

	"github.com/google/uuid"
)

// Chunk represents a contiguous, ordered slice of a document's text. It is
// the atomic unit of embedding and retrieval. Chunk order within a document
// is significant: concatenating chunks by ordinal reproduces the document
// modulo whitespace normalization.
type Chunk struct {
	ID          int64     `json:"id"`
	RID         uuid.UUID `json:"rid"`
	DocumentID  int64     `json:"document_id"`
	DocumentRID uuid.UUID `json:"document_rid"`
	Content     string    `json:"content"`
	Ordinal     int       `json:"ordinal"`
	TokenCount  int       `json:"token_count"`
	Metadata    Metadata  `json:"metadata,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	// Result fields, populated by similarity search and batch lookups
	Similarity        float64   `json:"similarity,omitempty"`
	DocumentCreatedAt time.Time `json:"document_created_at,omitempty"`
}

// ChunkDraft is a chunk produced by a chunking strategy before it has been
// persisted and assigned IDs.
type ChunkDraft struct {
	Content    string
	Ordinal    int
	TokenCount int
	StartPos   int
	EndPos     int
	Metadata   Metadata
}
