package model

import (
	"time"

	"github.com/google/uuid"
)

// EdgeType represents the type of relationship between nodes.
type EdgeType string

const (
	EdgeTypeMentions    EdgeType = "MENTIONS"
	EdgeTypeContains    EdgeType = "CONTAINS"
	EdgeTypeRelatesTo   EdgeType = "RELATES_TO"
	EdgeTypeBuildsUpon  EdgeType = "BUILDS_UPON"
	EdgeTypeContradicts EdgeType = "CONTRADICTS"
	EdgeTypeInfluences  EdgeType = "INFLUENCES"
)

// Edge represents a directed, typed relationship between two entities or
// between an entity and a chunk. Edges are append-only: a confidence update
// inserts a new edge and marks the old one superseded, never overwrites.
type Edge struct {
	ID               int64      `json:"id"`
	RID              uuid.UUID  `json:"rid"`
	SourceEntityRID  *uuid.UUID `json:"source_entity_rid,omitempty"`
	TargetEntityRID  *uuid.UUID `json:"target_entity_rid,omitempty"`
	SourceChunkRID   *uuid.UUID `json:"source_chunk_rid,omitempty"`
	TargetChunkRID   *uuid.UUID `json:"target_chunk_rid,omitempty"`
	EdgeType         EdgeType   `json:"edge_type"`
	Confidence       float64    `json:"confidence"`
	EvidenceChunkRID *uuid.UUID `json:"evidence_chunk_rid,omitempty"`
	SupersededBy     *int64     `json:"superseded_by,omitempty"`
	Metadata         Metadata   `json:"metadata,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Live reports whether the edge is the current version of its relationship.
func (e *Edge) Live() bool {
	return e.SupersededBy == nil
}

// Hop is one step of a traversal path through the graph.
type Hop struct {
	EdgeRID  uuid.UUID `json:"edge_rid"`
	EdgeType EdgeType  `json:"edge_type"`
	FromRID  uuid.UUID `json:"from_rid"`
	ToRID    uuid.UUID `json:"to_rid"`
}
