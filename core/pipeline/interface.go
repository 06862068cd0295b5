package pipeline

import "github.com/knowgraph/knowgraph/model"

// ChunkFunc splits document text into ordered chunk drafts. Implementations
// must not lose content: the whitespace-normalized concatenation of the
// drafts equals the whitespace-normalized input.
type ChunkFunc func(text string) ([]model.ChunkDraft, error)

// ExtractFunc extracts entity and relationship candidates from one chunk.
// The chunk is persisted before extraction runs, so candidates can reference
// it as evidence by RID.
type ExtractFunc func(chunk *model.Chunk) ([]model.EntityCandidate, []model.RelationshipCandidate, error)

// Pipeline combines the chunking, extraction and embedding strategies used
// for ingestion.
type Pipeline struct {
	Chunker   ChunkFunc
	Embedder  Embedder
	Extractor ExtractFunc // Optional
}

// NewPipeline creates a new processing pipeline
func NewPipeline(chunker ChunkFunc, embedder Embedder) *Pipeline {
	return &Pipeline{
		Chunker:  chunker,
		Embedder: embedder,
	}
}

// SetExtractor sets the candidate extraction function
func (p *Pipeline) SetExtractor(extractor ExtractFunc) {
	p.Extractor = extractor
}
