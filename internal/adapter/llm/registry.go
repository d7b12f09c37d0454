package llm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/config"
)

// Registry holds named LLM providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.LLMProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]domain.LLMProvider)}
}

// Register adds a provider. Returns error if name already registered.
func (r *Registry) Register(provider domain.LLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// bedrockFactory is set by bedrock.go when built with the bedrock tag.
var bedrockFactory func(config.ProviderConfig, *slog.Logger) (domain.LLMProvider, error)

// NewProvider builds the bare provider for one config entry.
func NewProvider(cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	switch cfg.Type {
	case "", "openai", "openrouter", "ollama":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	case "bedrock":
		if bedrockFactory == nil {
			return nil, domain.NewDomainError("llm.NewProvider", domain.ErrProviderNotFound,
				"bedrock support is not compiled in (build with -tags bedrock)")
		}
		return bedrockFactory(cfg, logger)
	default:
		return nil, domain.NewDomainError("llm.NewProvider", domain.ErrProviderNotFound, "unknown provider type "+cfg.Type)
	}
}

// Models is the pair of providers the rest of the system talks to.
type Models struct {
	Registry  *Registry
	Planner   domain.LLMProvider
	Generator domain.LLMProvider

	cache *CachedProvider
}

// Close releases the planner cache, if any.
func (m *Models) Close() {
	if m.cache != nil {
		m.cache.Close()
	}
}

// Build creates every configured provider and assembles the planner and
// generator stacks. Each provider is wrapped, innermost first, in a rate
// limiter and a circuit breaker. The failover chain goes around those, and
// the planner alone gets the reply cache on the outside.
func Build(cfg config.LLMConfig, logger *slog.Logger) (*Models, error) {
	reg := NewRegistry()
	for _, pc := range cfg.Providers {
		p, err := NewProvider(pc, logger)
		if err != nil {
			return nil, err
		}
		if cfg.RateLimit.Enabled {
			p = NewRateLimitedProvider(p, cfg.RateLimit)
		}
		if cfg.CircuitBreaker.Enabled {
			p = NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger)
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}

	withFailover := func(name string) (domain.LLMProvider, error) {
		primary, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		if !cfg.Failover.Enabled || len(cfg.Failover.Fallbacks) == 0 {
			return primary, nil
		}
		var fallbacks []domain.LLMProvider
		for _, fb := range cfg.Failover.Fallbacks {
			if fb == name {
				continue
			}
			p, err := reg.Get(fb)
			if err != nil {
				return nil, err
			}
			fallbacks = append(fallbacks, p)
		}
		return NewFailoverProvider(primary, fallbacks, logger), nil
	}

	m := &Models{Registry: reg}
	var err error
	if m.Planner, err = withFailover(cfg.PlannerProvider); err != nil {
		return nil, err
	}
	if m.Generator, err = withFailover(cfg.GeneratorProvider); err != nil {
		return nil, err
	}
	if cfg.Cache.Enabled {
		if m.cache, err = NewCachedProvider(m.Planner, cfg.Cache, logger); err != nil {
			return nil, fmt.Errorf("planner cache: %w", err)
		}
		m.Planner = m.cache
	}
	logger.Info("llm providers ready", "providers", reg.List(),
		"planner", cfg.PlannerProvider, "generator", cfg.GeneratorProvider)
	return m, nil
}
