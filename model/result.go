package model

// Provenance records which retrieval path produced a result.
type Provenance string

const (
	ProvenanceVector Provenance = "VECTOR"
	ProvenanceGraph  Provenance = "GRAPH"
	ProvenanceBoth   Provenance = "BOTH"
)

// RetrievalResult represents a chunk retrieved by a query. It is ephemeral
// and never persisted.
type RetrievalResult struct {
	Chunk           *Chunk     `json:"chunk"`
	Score           float64    `json:"score"`            // Merged score from ranking
	SimilarityScore float64    `json:"similarity_score"` // Cosine similarity contribution
	GraphScore      float64    `json:"graph_score"`      // Hop-decayed graph contribution
	HopDistance     int        `json:"hop_distance"`     // Graph hops from the nearest vector seed
	Provenance      Provenance `json:"provenance"`
	Path            []Hop      `json:"path,omitempty"` // Relationship hops, set when provenance includes GRAPH
}
