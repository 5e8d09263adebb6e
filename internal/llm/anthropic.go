package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 8192

// MessagesClient abstracts the Anthropic messages API for testability.
type MessagesClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...anthropicoption.RequestOption) (*anthropic.Message, error)
}

// AnthropicModel generates text through the Anthropic messages API.
type AnthropicModel struct {
	client      MessagesClient
	model       string
	temperature float64
}

func NewAnthropicModel(client MessagesClient, model string, temperature float64) *AnthropicModel {
	return &AnthropicModel{client: client, model: model, temperature: temperature}
}

func buildAnthropic(_ context.Context, cfg Config, backend BackendConfig, model string) (Model, error) {
	client := anthropic.NewClient(anthropicoption.WithAPIKey(backend.APIKey))
	return NewAnthropicModel(&client.Messages, model, cfg.Temperature), nil
}

func (m *AnthropicModel) Name() string { return "anthropic/" + m.model }

func (m *AnthropicModel) Generate(ctx context.Context, req Request) (string, error) {
	prompt := req.Prompt
	if req.JSON {
		prompt += "\n\nRespond with a single JSON object and nothing else."
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(req.Images)+1)
	for _, img := range req.Images {
		blocks = append(blocks, anthropic.NewImageBlockBase64("image/png", base64.StdEncoding.EncodeToString(img)))
	}
	blocks = append(blocks, anthropic.NewTextBlock(prompt))

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(m.model),
		MaxTokens:   anthropicMaxTokens,
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
		Temperature: anthropic.Float(m.temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := m.client.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
