package llmprovider

import (
	"reflect"
	"testing"

	"golang.org/x/time/rate"

	"github.com/petal-labs/reflow/hydrate"
)

func TestNewClient_KnownProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider string
		cfg      hydrate.ProviderConfig
		wantType string
	}{
		{"openai", "openai", hydrate.ProviderConfig{APIKey: "k"}, "*openai.OpenAI"},
		{"anthropic", "anthropic", hydrate.ProviderConfig{APIKey: "k"}, "*anthropic.Anthropic"},
		{"ollama with base url", "ollama", hydrate.ProviderConfig{BaseURL: "http://localhost:11434"}, "*ollama.Ollama"},
		{"case insensitive", " OpenAI ", hydrate.ProviderConfig{APIKey: "k"}, "*openai.OpenAI"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			limiter := rate.NewLimiter(rate.Limit(5), 1)
			client, err := NewClient(tt.provider, tt.cfg, limiter)
			if err != nil {
				t.Fatalf("NewClient() error = %v", err)
			}
			adapter, ok := client.(*irisAdapter)
			if !ok {
				t.Fatalf("expected *irisAdapter, got %T", client)
			}
			if got := reflect.TypeOf(adapter.provider).String(); got != tt.wantType {
				t.Fatalf("provider type = %q, want %q", got, tt.wantType)
			}
			if adapter.limiter != limiter {
				t.Fatal("limiter not attached")
			}
		})
	}
}

func TestNewClient_UnknownProvider(t *testing.T) {
	t.Parallel()

	if _, err := NewClient("definitely-not-a-provider", hydrate.ProviderConfig{}, nil); err == nil {
		t.Fatal("expected error for unknown provider, got nil")
	}
}
