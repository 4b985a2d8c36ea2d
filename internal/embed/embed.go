// Package embed produces the vector embeddings behind the transcript
// semantic index.
//
// Reconciliation embeds the turns of each finished session into the chunk
// index; the knowledge tool's local fallback and the transcript search
// surface embed their queries the same way. All vectors in one deployment
// must come from the same model, or nearest-neighbour distances are
// meaningless.
package embed

import (
	"context"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/convoxa/internal/config"
)

// DefaultModel is the embeddings model used when the config names none.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// Embedder maps text to dense float32 vectors. Every vector produced by
// one Embedder has length Dimensions().
//
// Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed computes the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for texts in one provider call. The
	// returned slice matches texts by index; on error no partial results
	// are returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length of this embedder.
	Dimensions() int

	// ModelID returns the model identifier, for logging and for checking
	// that stored vectors and query vectors share a space.
	ModelID() string
}

// New builds the Embedder named by cfg. An empty provider name disables
// embeddings: callers receive (nil, nil) and skip indexing.
func New(cfg config.EmbeddingsConfig) (Embedder, error) {
	switch cfg.Name {
	case "":
		return nil, nil
	case "openai":
		return NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("embed: unknown embeddings provider %q", cfg.Name)
	}
}

// OpenAI is an [Embedder] backed by the OpenAI embeddings API.
type OpenAI struct {
	client oai.Client
	model  string
}

var _ Embedder = (*OpenAI)(nil)

// NewOpenAI constructs an OpenAI embedder. An empty model defaults to
// [DefaultModel]; baseURL overrides the public API endpoint when set.
func NewOpenAI(apiKey, model, baseURL string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embed: openai api key must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Embed implements [Embedder].
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: o.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed: empty response")
	}
	return float64ToFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch implements [Embedder].
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := o.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: o.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embed: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	result := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if int(e.Index) >= len(texts) {
			return nil, fmt.Errorf("embed: unexpected index %d", e.Index)
		}
		result[e.Index] = float64ToFloat32(e.Embedding)
	}
	return result, nil
}

// Dimensions implements [Embedder].
func (o *OpenAI) Dimensions() int {
	return modelDimensions(o.model)
}

// ModelID implements [Embedder].
func (o *OpenAI) ModelID() string {
	return o.model
}

// modelDimensions returns the vector length for known OpenAI models.
func modelDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"):
		return 1536
	case strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	default:
		return 1536
	}
}

// float64ToFloat32 narrows the API's float64 vectors for pgvector storage.
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
