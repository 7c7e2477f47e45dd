package ai

import (
	"context"
	"fmt"
	"strings"
)

// TextGenerator generates text from a system prompt and user prompt.
// The lightweight summarization and keyword calls go through it; Gemini,
// Ollama and OpenAI-compatible providers implement it.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const (
	ProviderGemini       = "gemini"
	ProviderOllama       = "ollama"
	ProviderOpenAICompat = "openai-compat"
)

// GeneratorConfig selects and configures a TextGenerator.
type GeneratorConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	// JSONMode asks providers that support it for a bare JSON body.
	JSONMode bool
}

// NewGenerator builds the TextGenerator named by cfg.Provider.
func NewGenerator(cfg GeneratorConfig) (TextGenerator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderOpenAICompat
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("generation model required")
	}
	switch provider {
	case ProviderGemini:
		client, err := NewGeminiClient(cfg.APIKey, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return NewGeminiGenerator(client, model, cfg.JSONMode), nil
	case ProviderOllama:
		return NewOllamaGenerator(NewOllamaClient(cfg.BaseURL), model, cfg.JSONMode), nil
	case ProviderOpenAICompat:
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("openai-compat base url required")
		}
		return NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, model, cfg.JSONMode), nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", provider)
	}
}
