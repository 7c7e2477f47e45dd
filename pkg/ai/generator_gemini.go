package ai

import "context"

// GeminiGenerator wraps GeminiClient with a fixed model.
type GeminiGenerator struct {
	client   *GeminiClient
	model    string
	jsonMode bool
}

func NewGeminiGenerator(client *GeminiClient, model string, jsonMode bool) *GeminiGenerator {
	return &GeminiGenerator{client: client, model: model, jsonMode: jsonMode}
}

// GenerateText implements TextGenerator using Gemini.
func (g *GeminiGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return g.client.GenerateText(ctx, g.model, systemPrompt, userPrompt, g.jsonMode)
}
