package model

// QueryConfig represents configuration for a retrieval query.
type QueryConfig struct {
	// Vector search parameters
	TopK                int     `json:"top_k"`
	OverfetchFactor     int     `json:"overfetch_factor"` // Vector search fetches TopK*OverfetchFactor hits before filtering
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`
	ModelVersion        string  `json:"model_version,omitempty"` // Restrict search to embeddings of one model version

	// Graph expansion parameters
	MaxHops     int        `json:"max_hops"` // 0 degrades to pure vector search
	HopDecay    float64    `json:"hop_decay"`
	EdgeTypes   []EdgeType `json:"edge_types,omitempty"` // Nil means MENTIONS and RELATES_TO
	VisitBudget int        `json:"visit_budget"`         // Max graph nodes visited per retrieval
}

// DefaultQueryConfig returns a sensible default configuration
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		TopK:                5,
		OverfetchFactor:     2,
		SimilarityThreshold: 0.0,
		MaxHops:             2,
		HopDecay:            0.7,
		EdgeTypes:           nil,
		VisitBudget:         500,
	}
}
