package engine

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEmbedder uses the OpenAI embeddings API, or any server that speaks
// it when a base URL is set.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
	dims   int
}

// NewOpenAIEmbedder creates an embedder for model. An empty apiKey falls
// back to OPENAI_API_KEY; an empty baseURL uses the public endpoint. dims of
// zero keeps the model's native size.
func NewOpenAIEmbedder(apiKey, baseURL, model string, dims int) *OpenAIEmbedder {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(opts...),
		model:  model,
		dims:   dims,
	}
}

func (o *OpenAIEmbedder) Model() string   { return "openai:" + o.model }
func (o *OpenAIEmbedder) Dimensions() int { return o.dims }

// Embed requests a single embedding for text.
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(o.model),
	}
	if o.dims > 0 {
		params.Dimensions = openai.Int(int64(o.dims))
	}

	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai returned no embeddings")
	}
	return resp.Data[0].Embedding, nil
}
