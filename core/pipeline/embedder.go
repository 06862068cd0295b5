package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
	"github.com/knowgraph/knowgraph/helper"
	"github.com/knowgraph/knowgraph/model"
	openai "github.com/sashabaranov/go-openai"
)

// Embedder turns text into fixed-dimension vectors. Implementations must be
// deterministic per model version: the same text and version always produce
// the same vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	ModelVersion() string
	Dimensions() int
}

// HugotEmbedder runs a local sentence transformer via hugot.
// The default model is all-MiniLM-L6-v2 with 384-dimensional output.
type HugotEmbedder struct {
	session  *hugot.Session
	pipeline *pipelines.FeatureExtractionPipeline
	version  string
	dim      int
}

// NewHugotEmbedder prepares the model (downloading it if needed) and starts
// a hugot session. Close must be called to release the session.
func NewHugotEmbedder() (*HugotEmbedder, error) {
	modelName := "sentence-transformers/all-MiniLM-L6-v2"
	modelPath, err := helper.PrepareModel(modelName)
	if err != nil {
		return nil, err
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	config := hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "embedder-pipeline",
	}
	sentencePipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create sentence pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("failed to create sentence pipeline: %w", err)
	}

	return &HugotEmbedder{
		session:  session,
		pipeline: sentencePipeline,
		version:  "all-MiniLM-L6-v2",
		dim:      384,
	}, nil
}

func (e *HugotEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *HugotEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := e.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrEmbeddingUnavailable, err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts",
			model.ErrEmbeddingUnavailable, len(result.Embeddings), len(texts))
	}

	return result.Embeddings, nil
}

func (e *HugotEmbedder) ModelVersion() string {
	return e.version
}

func (e *HugotEmbedder) Dimensions() int {
	return e.dim
}

// Close destroys the hugot session
func (e *HugotEmbedder) Close() error {
	return e.session.Destroy()
}

// OpenAIEmbedder calls the OpenAI embeddings API. Failures are wrapped as
// ErrEmbeddingUnavailable so the orchestrator treats them as transient.
type OpenAIEmbedder struct {
	client  *openai.Client
	model   openai.EmbeddingModel
	version string
	dim     int
}

// NewOpenAIEmbedder creates an embedder for text-embedding-3-small (1536
// dimensions).
func NewOpenAIEmbedder(apiKey string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client:  openai.NewClient(apiKey),
		model:   openai.SmallEmbedding3,
		version: string(openai.SmallEmbedding3),
		dim:     1536,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrEmbeddingUnavailable, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts",
			model.ErrEmbeddingUnavailable, len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		vectors[i] = data.Embedding
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) ModelVersion() string {
	return e.version
}

func (e *OpenAIEmbedder) Dimensions() int {
	return e.dim
}

// StaticEmbedder produces deterministic pseudo-embeddings from a text hash.
// It exists for tests and offline development, not for real retrieval
// quality.
type StaticEmbedder struct {
	dim     int
	version string
}

func NewStaticEmbedder(dim int) *StaticEmbedder {
	return &StaticEmbedder{dim: dim, version: fmt.Sprintf("static-%d", dim)}
}

func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vector := make([]float32, e.dim)
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	var norm float64
	for i := range vector {
		seed = seed*6364136223846793005 + 1442695040888963407
		vector[i] = float32(int64(seed>>32)) / float32(math.MaxInt32)
		norm += float64(vector[i]) * float64(vector[i])
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vector {
			vector[i] *= scale
		}
	}

	return vector, nil
}

func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vector
	}
	return vectors, nil
}

func (e *StaticEmbedder) ModelVersion() string {
	return e.version
}

func (e *StaticEmbedder) Dimensions() int {
	return e.dim
}
