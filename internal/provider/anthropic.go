// internal/provider/anthropic.go
package provider

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicGateway implements Gateway for Claude models.
type AnthropicGateway struct {
	client anthropic.Client
	model  string
}

// NewAnthropicGateway creates an Anthropic gateway. An empty apiKey falls
// back to the SDK's environment lookup.
func NewAnthropicGateway(apiKey, model string) *AnthropicGateway {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicGateway{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

func (g *AnthropicGateway) Name() string {
	return "anthropic"
}

func (g *AnthropicGateway) Invoke(ctx context.Context, system, user string, maxTokens int, temperature float64) (*Completion, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(g.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic API error: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &Completion{
		Text:       content,
		TokensUsed: int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}, nil
}
