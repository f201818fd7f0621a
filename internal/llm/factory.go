package llm

import (
	"fmt"
	"strings"

	"github.com/civicledger/panelscore/internal/model"
)

// NewProvider creates a provider for the configured vendor kind
func NewProvider(config Config) (Provider, error) {
	switch strings.ToLower(config.Kind) {
	case "openai":
		return NewOpenAIProvider(config)

	case "anthropic", "claude":
		return NewAnthropicProvider(config)

	case "gemini", "google":
		return NewGeminiProvider(config)

	case "ollama":
		return NewOllamaProvider(config)

	default:
		return nil, fmt.Errorf("unknown provider kind %q for %q (supported: openai, anthropic, gemini, ollama)", config.Kind, config.Name)
	}
}

// ConfigFromModel merges a provider entry with credentials and proxy settings
func ConfigFromModel(pc model.ProviderConfig, creds Credentials, http model.HTTPConfig) Config {
	cfg := Config{
		Name:        pc.Name,
		Kind:        pc.Kind,
		Model:       pc.Model,
		BaseURL:     pc.BaseURL,
		Timeout:     pc.Timeout,
		MaxTokens:   pc.MaxTokens,
		Temperature: pc.Temperature,
		HTTPProxy:   http.HTTPProxy,
		HTTPSProxy:  http.HTTPSProxy,
		NoProxy:     http.NoProxy,
	}
	switch strings.ToLower(pc.Kind) {
	case "openai":
		cfg.APIKey = creds.OpenAIKey
	case "anthropic", "claude":
		cfg.APIKey = creds.AnthropicKey
	case "gemini", "google":
		cfg.APIKey = creds.GeminiKey
	case "ollama":
		if cfg.BaseURL == "" {
			cfg.BaseURL = creds.OllamaBaseURL
		}
	}
	return cfg
}
