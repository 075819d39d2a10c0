package llmprovider

import (
	"fmt"
	"strings"

	iriscore "github.com/petal-labs/iris/core"
	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	"github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"
	"golang.org/x/time/rate"

	"github.com/petal-labs/reflow/core"
	"github.com/petal-labs/reflow/hydrate"
)

// NewClient creates a core.LLMClient for the named provider. Provider names
// are case-insensitive. A nil limiter leaves calls unthrottled; callers share
// one limiter across every node that uses the same provider.
//
// BaseURL is honored for ollama; hosted providers use their default endpoint.
func NewClient(name string, cfg hydrate.ProviderConfig, limiter *rate.Limiter) (core.LLMClient, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	var provider iriscore.Provider
	if name == "ollama" && cfg.BaseURL != "" {
		provider = ollama.New(ollama.WithBaseURL(cfg.BaseURL))
	} else {
		p, err := providers.Create(name, cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("creating provider %q: %w", name, err)
		}
		provider = p
	}
	return &irisAdapter{provider: provider, limiter: limiter}, nil
}

