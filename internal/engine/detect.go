package engine

import "fmt"

// Providers accepted by New.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Config selects and configures an inference backend.
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
}

// New returns the Engine for cfg.Provider. An empty provider means Ollama.
func New(cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "", ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return NewOllamaEngine(baseURL), nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("provider %q requires an API key", cfg.Provider)
		}
		return NewOpenAIEngine(cfg.BaseURL, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}
