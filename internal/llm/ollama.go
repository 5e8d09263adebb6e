package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// ChatClient abstracts the Ollama chat endpoint for testability.
type ChatClient interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

// OllamaModel generates text with a locally hosted Ollama model.
type OllamaModel struct {
	client      ChatClient
	model       string
	temperature float64
	numCtx      int
}

func NewOllamaModel(client ChatClient, model string, temperature float64, numCtx int) *OllamaModel {
	return &OllamaModel{client: client, model: model, temperature: temperature, numCtx: numCtx}
}

func buildOllama(_ context.Context, cfg Config, backend BackendConfig, model string) (Model, error) {
	host := backend.BaseURL
	if host == "" {
		host = "http://localhost:11434"
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse OLLAMA_HOST %q: %w", host, err)
	}
	client := api.NewClient(base, &http.Client{Timeout: cfg.Timeout})
	return NewOllamaModel(client, model, cfg.Temperature, backend.NumCtx), nil
}

func (m *OllamaModel) Name() string { return "ollama/" + m.model }

func (m *OllamaModel) Generate(ctx context.Context, req Request) (string, error) {
	messages := make([]api.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	user := api.Message{Role: "user", Content: req.Prompt}
	for _, img := range req.Images {
		user.Images = append(user.Images, api.ImageData(img))
	}
	messages = append(messages, user)

	stream := false
	options := map[string]any{"temperature": m.temperature}
	if m.numCtx > 0 {
		options["num_ctx"] = m.numCtx
	}
	chat := &api.ChatRequest{
		Model:    m.model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}
	if req.JSON {
		chat.Format = json.RawMessage(`"json"`)
	}

	var sb strings.Builder
	err := m.client.Chat(ctx, chat, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
