package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type backendFactory struct {
	credentialKey string
	settings      func(Config) BackendConfig
	build         func(ctx context.Context, cfg Config, backend BackendConfig, model string) (Model, error)
}

var factories = map[Selector]backendFactory{
	SelectorOpenAI: {
		credentialKey: "OPENAI_API_KEY",
		settings:      func(c Config) BackendConfig { return c.OpenAI },
		build:         buildOpenAI,
	},
	SelectorAnthropic: {
		credentialKey: "ANTHROPIC_API_KEY",
		settings:      func(c Config) BackendConfig { return c.Anthropic },
		build:         buildAnthropic,
	},
	SelectorGoogle: {
		credentialKey: "GEMINI_API_KEY",
		settings:      func(c Config) BackendConfig { return c.Google },
		build:         buildGemini,
	},
	SelectorOllama: {
		settings: func(c Config) BackendConfig { return c.Ollama },
		build:    buildOllama,
	},
}

// ParseSelector maps an LLM_PROVIDER value onto a Selector. Unknown or empty
// values select openai; an unknown value is logged.
func ParseSelector(s string) Selector {
	sel := Selector(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := factories[sel]; ok {
		return sel
	}
	if sel != "" {
		log.Warn().Str("provider", s).Msg("unknown LLM provider, using openai")
	}
	return SelectorOpenAI
}

// Resolve builds the main and planner models for cfg.Provider. Both share one
// rate limiter and carry the per-call timeout.
func Resolve(ctx context.Context, cfg Config) (Models, error) {
	sel := cfg.Provider
	f, ok := factories[sel]
	if !ok {
		log.Warn().Str("provider", string(sel)).Msg("unknown LLM provider, using openai")
		sel = SelectorOpenAI
		f = factories[sel]
	}

	backend := f.settings(cfg)
	if f.credentialKey != "" && strings.TrimSpace(backend.APIKey) == "" {
		return Models{}, &MissingCredentialError{Provider: sel, Key: f.credentialKey}
	}

	plannerModel := backend.PlannerModel
	if plannerModel == "" {
		plannerModel = backend.Model
	}

	main, err := f.build(ctx, cfg, backend, backend.Model)
	if err != nil {
		return Models{}, fmt.Errorf("build %s model: %w", sel, err)
	}
	planner, err := f.build(ctx, cfg, backend, plannerModel)
	if err != nil {
		return Models{}, fmt.Errorf("build %s planner model: %w", sel, err)
	}

	limiter := newLimiter(cfg.RateLimitPerMin)
	return Models{
		Main:    Limit(main, limiter, cfg.Timeout),
		Planner: Limit(planner, limiter, cfg.Timeout),
	}, nil
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)
}
