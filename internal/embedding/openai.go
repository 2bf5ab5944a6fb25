// internal/embedding/openai.go
package embedding

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"ensemble-orchestrator/internal/common/errors"
)

// OpenAIService embeds text with the OpenAI embeddings endpoint.
type OpenAIService struct {
	client openai.Client
	model  string
}

// NewOpenAIService creates an embeddings client. An empty model selects
// text-embedding-3-small.
func NewOpenAIService(apiKey, model string) *OpenAIService {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	return &OpenAIService{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (s *OpenAIService) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := s.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(s.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
	})
	if err != nil {
		return nil, errors.NewEmbeddingFailedError(err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.NewEmbeddingFailedError(errNoEmbedding)
	}
	return resp.Data[0].Embedding, nil
}

type embedErr string

func (e embedErr) Error() string { return string(e) }

const errNoEmbedding = embedErr("embeddings response contained no vectors")
