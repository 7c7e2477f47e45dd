package ai

import (
	"context"
	"fmt"
	"strings"
)

// OllamaGenerator wraps OllamaClient with a fixed model, using /api/chat.
type OllamaGenerator struct {
	client   *OllamaClient
	model    string
	jsonMode bool
}

func NewOllamaGenerator(client *OllamaClient, model string, jsonMode bool) *OllamaGenerator {
	return &OllamaGenerator{client: client, model: model, jsonMode: jsonMode}
}

// GenerateText implements TextGenerator using Ollama.
func (g *OllamaGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	model := strings.TrimSpace(g.model)
	if model == "" {
		return "", fmt.Errorf("ollama generation model required")
	}
	messages := make([]ollamaChatMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, ollamaChatMessage{Role: "user", Content: userPrompt})

	format := ""
	if g.jsonMode {
		format = "json"
	}
	text, err := g.client.Chat(ctx, model, messages, format)
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return text, nil
}
