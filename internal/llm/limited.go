package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

type limitedModel struct {
	model   Model
	limiter *rate.Limiter
	timeout time.Duration
}

// Limit wraps m so every call first waits for a limiter token and then runs
// under timeout. A nil limiter or zero timeout disables that part.
func Limit(m Model, limiter *rate.Limiter, timeout time.Duration) Model {
	return &limitedModel{model: m, limiter: limiter, timeout: timeout}
}

func (m *limitedModel) Name() string { return m.model.Name() }

func (m *limitedModel) Generate(ctx context.Context, req Request) (string, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait for %s: %w", m.model.Name(), err)
		}
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	return m.model.Generate(ctx, req)
}
