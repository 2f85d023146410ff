// Package llm defines the language-model boundary. The model is used only
// to phrase: callers hand it numbered sources and parse its structured
// output; nothing it returns is trusted until validated.
package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"reposcope/internal/logging"
)

// Result is one completion with its token accounting.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Client is the abstract language model. Implementations are
// interchangeable; deterministic low temperature is preferred.
type Client interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (*Result, error)
}

// =============================================================================
// GOOGLE GENAI CLIENT
// =============================================================================

// GenAIClient implements Client using Google's Gemini API.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates a GenAI-backed language model client.
func NewGenAIClient(apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	logging.API("GenAI language model client created: model=%s", model)
	return &GenAIClient{client: client, model: model}, nil
}

// Generate sends a prompt and returns the completion with token counts.
func (c *GenAIClient) Generate(ctx context.Context, prompt string, maxTokens int) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "GenAI.Generate")
	defer timer.Stop()

	if maxTokens <= 0 {
		maxTokens = 1500
	}

	logging.APIDebug("GenAI.Generate: prompt=%d chars, max_tokens=%d", len(prompt), maxTokens)

	result, err := c.client.Models.GenerateContent(ctx,
		c.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			MaxOutputTokens: int32(maxTokens),
			Temperature:     genai.Ptr[float32](0.1),
		},
	)
	if err != nil {
		logging.Get(logging.CategoryAPI).Error("GenAI.Generate failed: %v", err)
		return nil, fmt.Errorf("GenAI generate failed: %w", err)
	}

	text := result.Text()
	if text == "" {
		return nil, fmt.Errorf("no completion returned")
	}

	out := &Result{Text: text}
	if result.UsageMetadata != nil {
		out.InputTokens = int(result.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}

	logging.APIDebug("GenAI.Generate: %d chars, input_tokens=%d, output_tokens=%d",
		len(text), out.InputTokens, out.OutputTokens)
	return out, nil
}

// Model returns the configured model name.
func (c *GenAIClient) Model() string {
	return c.model
}
