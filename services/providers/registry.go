package providers

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrModelNotSupported is returned when a model is not supported by any provider
	ErrModelNotSupported = errors.New("model not supported")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Registry manages provider instances and model mappings.
// There is no package-level default registry; every gateway owns its own
// instance so that two gateways never share provider state.
type Registry struct {
	mu             sync.RWMutex
	providers      map[string]Provider
	modelProviders map[string]string // model -> provider name
	modelPrefixes  map[string]string // model prefix -> provider name
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers:      make(map[string]Provider),
		modelProviders: make(map[string]string),
		modelPrefixes:  make(map[string]string),
	}
}

// RegisterProvider registers a provider instance
func (r *Registry) RegisterProvider(provider Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	if _, exists := r.providers[name]; exists {
		return ErrProviderAlreadyRegistered
	}

	r.providers[name] = provider

	// Register all models from the provider
	for _, model := range provider.ListModels() {
		r.modelProviders[model] = name
	}

	return nil
}

// GetProvider retrieves a provider by name
func (r *Registry) GetProvider(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, ErrProviderNotFound
	}

	return provider, nil
}

// GetProviderForModel finds the provider that supports a given model
func (r *Registry) GetProviderForModel(model string) (Provider, error) {
	r.mu.RLock()
	if providerName, exists := r.modelProviders[model]; exists {
		if provider, ok := r.providers[providerName]; ok {
			r.mu.RUnlock()
			return provider, nil
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have resolved the model while the lock was upgraded
	if providerName, exists := r.modelProviders[model]; exists {
		if provider, ok := r.providers[providerName]; ok {
			return provider, nil
		}
	}

	// Try prefix matching (e.g., "gpt-" -> "openai")
	for prefix, providerName := range r.modelPrefixes {
		if strings.HasPrefix(model, prefix) {
			if provider, ok := r.providers[providerName]; ok {
				if err := provider.ValidateModel(model); err == nil {
					r.modelProviders[model] = providerName
					return provider, nil
				}
			}
		}
	}

	// Try each provider to see if it supports the model
	for providerName, provider := range r.providers {
		if err := provider.ValidateModel(model); err == nil {
			r.modelProviders[model] = providerName
			return provider, nil
		}
	}

	return nil, ErrModelNotSupported
}

// RegisterModelPrefix registers a model prefix to provider mapping
// This is useful for efficient lookups (e.g., "gpt-" -> "openai")
func (r *Registry) RegisterModelPrefix(prefix, providerName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[providerName]; !exists {
		return ErrProviderNotFound
	}

	r.modelPrefixes[prefix] = providerName
	return nil
}

// ListProviders returns all registered provider names
func (r *Registry) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}

	return names
}

// ListModels returns all supported models across all providers
func (r *Registry) ListModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models := make([]string, 0, len(r.modelProviders))
	for model := range r.modelProviders {
		models = append(models, model)
	}

	return models
}

// ProviderCount returns the number of registered providers
func (r *Registry) ProviderCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.providers)
}

// ValidateModel checks if a model is supported by any provider
func (r *Registry) ValidateModel(model string) error {
	_, err := r.GetProviderForModel(model)
	return err
}

// ProviderBuilder is a function that creates a provider instance
type ProviderBuilder func(config Config) (Provider, error)

// RegistryBuilder helps build a registry with multiple providers.
// Builders are registered by name and resolved against configuration at
// startup, so an unknown provider name fails before any request is served.
type RegistryBuilder struct {
	registry    *Registry
	builders    map[string]ProviderBuilder
	prefixQueue []prefixMapping
}

// NewRegistryBuilder creates a new registry builder
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		registry: NewRegistry(),
		builders: make(map[string]ProviderBuilder),
	}
}

// WithProviderBuilder registers a provider builder
func (rb *RegistryBuilder) WithProviderBuilder(name string, builder ProviderBuilder) *RegistryBuilder {
	rb.builders[name] = builder
	return rb
}

// WithProvider directly adds a provider instance
func (rb *RegistryBuilder) WithProvider(provider Provider) *RegistryBuilder {
	rb.registry.RegisterProvider(provider)
	return rb
}

// WithModelPrefix registers a model prefix mapping.
// The mapping is applied after Build, once the named provider exists.
func (rb *RegistryBuilder) WithModelPrefix(prefix, providerName string) *RegistryBuilder {
	rb.prefixQueue = append(rb.prefixQueue, prefixMapping{prefix: prefix, provider: providerName})
	return rb
}

// Build creates providers from their configs and returns the registry.
// A config naming a provider with no registered builder is a hard error.
func (rb *RegistryBuilder) Build(configs map[string]Config) (*Registry, error) {
	for name, config := range configs {
		builder, exists := rb.builders[name]
		if !exists {
			return nil, fmt.Errorf("no builder for provider %q: %w", name, ErrProviderNotFound)
		}
		provider, err := builder(config)
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %s: %w", name, err)
		}
		if err := rb.registry.RegisterProvider(provider); err != nil {
			return nil, fmt.Errorf("failed to register provider %s: %w", name, err)
		}
	}

	for _, pm := range rb.prefixQueue {
		if err := rb.registry.RegisterModelPrefix(pm.prefix, pm.provider); err != nil {
			return nil, fmt.Errorf("failed to map prefix %q to provider %s: %w", pm.prefix, pm.provider, err)
		}
	}

	return rb.registry, nil
}

type prefixMapping struct {
	prefix   string
	provider string
}
