package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"roundtable/internal/domain"
)

// Failover tries multiple providers in order, falling back to the next one
// when the current fails.
type Failover struct {
	providers []domain.Provider
	logger    *slog.Logger
}

// NewFailover creates a failover chain. At least one provider is required.
func NewFailover(providers []domain.Provider, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{providers: providers, logger: logger}
}

func (f *Failover) Name() string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name()
	}
	return "failover(" + strings.Join(names, ",") + ")"
}

// Healthy passes if any provider in the chain is reachable.
func (f *Failover) Healthy(ctx context.Context) error {
	for _, p := range f.providers {
		if err := p.Healthy(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no healthy provider in failover chain")
}

// Chat tries each provider in order and returns the first success.
func (f *Failover) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var lastErr error
	for i, p := range f.providers {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover: used fallback provider",
					"provider", p.Name(), "attempt", i+1)
			}
			return resp, nil
		}
		lastErr = err
		f.logger.Warn("failover: provider failed, trying next",
			"provider", p.Name(), "attempt", i+1, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("all providers in failover chain failed: %w", lastErr)
}
