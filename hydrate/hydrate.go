// Package hydrate turns a run definition into live work units: it resolves
// provider credentials and registers the llm node kind on a factory.
package hydrate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`

	// RequestsPerSecond throttles calls to the provider (0 = unlimited).
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`

	// Burst is the limiter's bucket size (default 1).
	Burst int `json:"burst,omitempty"`
}

// ProviderMap maps provider names to their configurations.
type ProviderMap map[string]ProviderConfig

// Names returns the configured provider names.
func (m ProviderMap) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}

// Config represents the ~/.reflow/config.json file structure.
type Config struct {
	Providers map[string]ProviderConfig `json:"providers"`
}

const (
	envConfig         = "REFLOW_CONFIG"
	envProviderPrefix = "REFLOW_PROVIDER_"
)

// ResolveProviders builds a ProviderMap from CLI flags, environment variables,
// and config file. Priority: flags > env vars > config file. Provider names
// are lower-cased.
func ResolveProviders(flags map[string]string) (ProviderMap, error) {
	providers := make(ProviderMap)

	cfg, err := loadConfigFile()
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		for name, pc := range cfg.Providers {
			providers[strings.ToLower(name)] = pc
		}
	}

	// REFLOW_PROVIDER_{NAME}_API_KEY, REFLOW_PROVIDER_{NAME}_BASE_URL
	for _, env := range os.Environ() {
		key, val, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, envProviderPrefix) {
			continue
		}
		rest := strings.TrimPrefix(key, envProviderPrefix)
		switch {
		case strings.HasSuffix(rest, "_API_KEY"):
			name := strings.ToLower(strings.TrimSuffix(rest, "_API_KEY"))
			pc := providers[name]
			pc.APIKey = val
			providers[name] = pc
		case strings.HasSuffix(rest, "_BASE_URL"):
			name := strings.ToLower(strings.TrimSuffix(rest, "_BASE_URL"))
			pc := providers[name]
			pc.BaseURL = val
			providers[name] = pc
		}
	}

	for name, apiKey := range flags {
		name = strings.ToLower(name)
		pc := providers[name]
		pc.APIKey = apiKey
		providers[name] = pc
	}

	return providers, nil
}

// loadConfigFile reads ~/.reflow/config.json (or $REFLOW_CONFIG).
// Returns nil, nil if the file doesn't exist.
func loadConfigFile() (*Config, error) {
	path := os.Getenv(envConfig)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		path = filepath.Join(home, ".reflow", "config.json")
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path from well-known config location
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return &cfg, nil
}

// ParseProviderFlags parses --provider-key flag values ("name=key") into a map.
func ParseProviderFlags(flags []string) (map[string]string, error) {
	result := make(map[string]string, len(flags))
	for _, flag := range flags {
		name, key, ok := strings.Cut(flag, "=")
		if !ok || name == "" || key == "" {
			return nil, fmt.Errorf("invalid provider-key format %q: expected name=key", flag)
		}
		result[name] = key
	}
	return result, nil
}
