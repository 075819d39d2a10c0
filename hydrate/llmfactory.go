package hydrate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/petal-labs/reflow/core"
	"github.com/petal-labs/reflow/graph"
	"github.com/petal-labs/reflow/llmunit"
	"github.com/petal-labs/reflow/registry"
)

// ErrProviderNotConfigured is returned when a node names a provider that
// has no configuration.
var ErrProviderNotConfigured = errors.New("provider not configured")

// ClientFactory creates a core.LLMClient for a named provider. The hydrate
// package never imports iris; llmprovider.NewClient satisfies this type.
type ClientFactory func(providerName string, cfg ProviderConfig, limiter *rate.Limiter) (core.LLMClient, error)

// Clients caches one client per provider so every node that shares a
// provider also shares its rate limiter.
type Clients struct {
	providers ProviderMap
	factory   ClientFactory

	mu      sync.Mutex
	clients map[string]core.LLMClient
}

// NewClients creates a client cache over providers.
func NewClients(providers ProviderMap, factory ClientFactory) *Clients {
	return &Clients{
		providers: providers,
		factory:   factory,
		clients:   make(map[string]core.LLMClient),
	}
}

// Resolve picks the provider name for a node. An empty name resolves to the
// only configured provider when exactly one exists.
func (c *Clients) Resolve(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "" {
		if _, ok := c.providers[name]; !ok {
			return "", fmt.Errorf("%w: %q", ErrProviderNotConfigured, name)
		}
		return name, nil
	}
	if len(c.providers) == 1 {
		return c.providers.Names()[0], nil
	}
	names := c.providers.Names()
	sort.Strings(names)
	return "", fmt.Errorf("%w: no provider named and %d configured %v", ErrProviderNotConfigured, len(names), names)
}

// Get returns the cached client for a provider, creating it on first use.
func (c *Clients) Get(name string) (core.LLMClient, error) {
	name, err := c.Resolve(name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[name]; ok {
		return client, nil
	}
	cfg := c.providers[name]
	client, err := c.factory(name, cfg, newLimiter(cfg))
	if err != nil {
		return nil, err
	}
	c.clients[name] = client
	return client, nil
}

func newLimiter(cfg ProviderConfig) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

// RegisterLLM registers the llm node kind on f. Each llm node gets an
// llmunit.Unit over the client of its provider.
func RegisterLLM(f *registry.Factory, clients *Clients) {
	f.Register(registry.KindDef{
		Kind:        core.NodeKindLLM,
		Description: "Prompts a model with the role, objective, input and upstream outputs; decodes a JSON answer",
	}, func(nd graph.NodeDef) (core.WorkUnit, error) {
		client, err := clients.Get(nd.Provider)
		if err != nil {
			return nil, err
		}
		cfg, err := unitConfig(nd)
		if err != nil {
			return nil, err
		}
		return llmunit.New(client, cfg)
	})
}

// RegisterDryRun registers an llm kind that checks provider configuration
// but never calls a model. Its nodes succeed with a placeholder payload.
func RegisterDryRun(f *registry.Factory, providers ProviderMap) {
	clients := NewClients(providers, nil)
	f.Register(registry.KindDef{
		Kind:        core.NodeKindLLM,
		Description: "Dry-run placeholder for llm nodes",
	}, func(nd graph.NodeDef) (core.WorkUnit, error) {
		provider, err := clients.Resolve(nd.Provider)
		if err != nil {
			return nil, err
		}
		return registry.StaticUnit(map[string]any{
			"dry_run":  true,
			"node":     nd.ID,
			"provider": provider,
			"model":    nd.Model,
		}), nil
	})
}

// NewEvaluator returns the reflection evaluator for def, or nil when
// reflection is disabled. The evaluator's provider defaults like a node's.
func NewEvaluator(def *graph.Definition, clients *Clients) (core.Evaluator, error) {
	if def.Reflection == nil || !def.Reflection.Enabled {
		return nil, nil
	}
	client, err := clients.Get(def.Reflection.Provider)
	if err != nil {
		return nil, fmt.Errorf("reflection evaluator: %w", err)
	}
	return llmunit.NewEvaluator(client, def.Reflection.Model), nil
}

func unitConfig(nd graph.NodeDef) (llmunit.Config, error) {
	cfg := llmunit.Config{
		Model:          nd.Model,
		Instructions:   nd.Instructions,
		System:         configString(nd.Config, "system_prompt"),
		PromptTemplate: configString(nd.Config, "prompt_template"),
	}
	if v, ok := configFloat64(nd.Config, "temperature"); ok {
		cfg.Temperature = &v
	}
	if v, ok := configInt(nd.Config, "max_tokens"); ok {
		cfg.MaxTokens = &v
	}
	if s := configString(nd.Config, "timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return cfg, fmt.Errorf("node %q: invalid timeout %q: %w", nd.ID, s, err)
		}
		cfg.Timeout = d
	}
	return cfg, nil
}

// --- config helpers ---

func configString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// configFloat64 extracts a float64 from config. YAML decodes whole numbers
// as int, JSON as float64.
func configFloat64(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// configInt extracts an int from config, rejecting NaN, Inf and fractions.
func configInt(m map[string]any, key string) (int, bool) {
	v, ok := configFloat64(m, key)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return 0, false
	}
	return int(v), true
}
