// internal/provider/openai.go
package provider

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIGateway implements Gateway for OpenAI chat models.
type OpenAIGateway struct {
	client openai.Client
	model  string
}

// NewOpenAIGateway creates an OpenAI gateway. An empty apiKey falls back to
// the SDK's environment lookup.
func NewOpenAIGateway(apiKey, baseURL, model string) *OpenAIGateway {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIGateway{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (g *OpenAIGateway) Name() string {
	return "openai"
}

func (g *OpenAIGateway) Invoke(ctx context.Context, system, user string, maxTokens int, temperature float64) (*Completion, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(g.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
		Temperature:         openai.Float(temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("openai API error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	return &Completion{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: int(resp.Usage.TotalTokens),
	}, nil
}
