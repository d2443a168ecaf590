package factory

import (
	"errors"
	"fmt"

	"llmdispatch/internal/config"
	"llmdispatch/internal/provider"
	anthropicProvider "llmdispatch/internal/provider/anthropic"
	ollamaProvider "llmdispatch/internal/provider/ollama"
	openaiProvider "llmdispatch/internal/provider/openai"
)

// Build constructs the adapter variant selected by cfg.Kind.
func Build(name string, cfg config.ProviderConfig) (provider.Adapter, error) {
	switch cfg.Kind {
	case config.KindOpenAI:
		return openaiProvider.New(name, cfg)
	case config.KindAnthropic:
		return anthropicProvider.New(name, cfg)
	case config.KindOllama:
		return ollamaProvider.New(name, cfg)
	default:
		return nil, fmt.Errorf("provider %q has unsupported kind %q", name, cfg.Kind)
	}
}

// RegisterConfiguredProviders constructs adapters from configuration and stores them in the registry.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	for _, name := range cfg.ProviderNames() {
		adapter, err := Build(name, cfg.Providers[name])
		if err != nil {
			return fmt.Errorf("initialise %s provider: %w", name, err)
		}
		if err := registry.Register(adapter); err != nil {
			return fmt.Errorf("register %s provider: %w", name, err)
		}
	}
	return nil
}
