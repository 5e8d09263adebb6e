package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Request is one model call. Images are PNG bytes attached for vision-capable
// backends. JSON asks the backend to constrain its answer to a JSON object.
type Request struct {
	System string
	Prompt string
	Images [][]byte
	JSON   bool
}

// Model is a text-generation backend. Callers never branch on which backend
// sits behind it.
type Model interface {
	Generate(ctx context.Context, req Request) (string, error)
	Name() string
}

// Models is the resolved main and planner pair for one run.
type Models struct {
	Main    Model
	Planner Model
}

// Selector names a backend.
type Selector string

const (
	SelectorOpenAI    Selector = "openai"
	SelectorAnthropic Selector = "anthropic"
	SelectorGoogle    Selector = "google"
	SelectorOllama    Selector = "ollama"
)

// BackendConfig carries the per-backend connection and model settings.
type BackendConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	PlannerModel string
	NumCtx       int
}

// Config is everything Resolve needs to build the model pair.
type Config struct {
	Provider        Selector
	Temperature     float64
	Timeout         time.Duration
	RateLimitPerMin int

	OpenAI    BackendConfig
	Anthropic BackendConfig
	Google    BackendConfig
	Ollama    BackendConfig
}

// ErrEmptyResponse is returned when a backend answers with no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// MissingCredentialError is returned by Resolve when the selected backend needs
// an API key that is not configured.
type MissingCredentialError struct {
	Provider Selector
	Key      string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("%s environment variable is required for provider %s", e.Key, e.Provider)
}
