package provider

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"roundtable/internal/config"
	"roundtable/internal/domain"
)

// Constructor creates a provider from a config entry.
type Constructor func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider

// Factory creates and caches providers from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]Constructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors
// registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]Constructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a provider constructor by name so
// alternative backends can be plugged in at runtime.
func (f *Factory) RegisterConstructor(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["anthropic"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewAnthropic(AnthropicConfig{APIKey: pc.APIKey, Model: pc.DefaultModel, Logger: logger})
	}
	f.constructors["ollama"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		base := pc.APIBase
		if base == "" {
			base = "http://localhost:11434/v1"
		}
		cc := compatConfig(name, pc, logger)
		cc.APIBase = base
		return NewOpenAICompat(cc)
	}
	f.constructors["openai"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewOpenAICompat(compatConfig(name, pc, logger))
	}
}

func compatConfig(name string, pc config.ProviderConfig, logger *slog.Logger) OpenAICompatConfig {
	return OpenAICompatConfig{
		Name:           name,
		APIKey:         pc.APIKey,
		APIBase:        pc.APIBase,
		Model:          pc.DefaultModel,
		MaxRetries:     pc.MaxRetries,
		RetryBaseDelay: time.Duration(pc.RetryBaseMillis) * time.Millisecond,
		Logger:         logger,
	}
}

// Get returns the provider with the given name. Created providers are
// cached so the same instance is reused across calls. Double-checked
// locking avoids TOCTOU races.
func (f *Factory) Get(name string) (domain.Provider, error) {
	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	var p domain.Provider
	if ctor, found := f.constructors[name]; found {
		p = ctor(name, pc, f.logger)
	} else if pc.APIBase != "" {
		// Unknown names with an API base are treated as OpenAI-compatible.
		p = NewOpenAICompat(compatConfig(name, pc, f.logger))
	} else {
		return nil, fmt.Errorf("provider %s: no constructor registered and no API base configured", name)
	}

	f.cache[name] = p
	return p, nil
}

// Chain builds a failover provider over the named chain. An empty chain
// falls back to the single primary name.
func (f *Factory) Chain(primary string, chain []string) (domain.Provider, error) {
	names := chain
	if len(names) == 0 {
		names = []string{primary}
	}
	var providers []domain.Provider
	for _, name := range names {
		p, err := f.Get(name)
		if err != nil {
			f.logger.Warn("skipping provider in chain", "provider", name, "error", err)
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no usable provider in chain %v", names)
	}
	if len(providers) == 1 {
		return providers[0], nil
	}
	return NewFailover(providers, f.logger), nil
}
