package embedding

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"reposcope/internal/logging"
)

// maxBatchSize is the maximum number of texts allowed in a single GenAI
// batch request. The API returns error 400 above 100.
const maxBatchSize = 100

// genAIDimensions is the output dimensionality requested from the API.
// Fixed per deployment; the vector store rejects anything else.
const genAIDimensions = 768

func int32Ptr(i int32) *int32 {
	return &i
}

// GenAIEngine generates embeddings using Google's Gemini API.
type GenAIEngine struct {
	client *genai.Client
	model  string
}

// NewGenAIEngine creates a new GenAI embedding engine.
func NewGenAIEngine(apiKey, model string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	logging.Embedding("Initializing GenAI embedding client: model=%s", model)

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIEngine{
		client: client,
		model:  model,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "GenAI.Embed")
	defer timer.Stop()

	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	apiStart := time.Now()
	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		contents,
		&genai.EmbedContentConfig{
			OutputDimensionality: int32Ptr(genAIDimensions),
		},
	)
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("GenAI.Embed: API call failed after %v: %v", time.Since(apiStart), err)
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}

	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}

	return result.Embeddings[0].Values, nil
}

// EmbedBatch generates embeddings for multiple texts, chunking into
// API-sized batches when needed.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "GenAI.EmbedBatch")
	defer timer.Stop()

	if len(texts) == 0 {
		return nil, nil
	}

	if len(texts) <= maxBatchSize {
		return e.embedBatchChunk(ctx, texts)
	}

	numBatches := (len(texts) + maxBatchSize - 1) / maxBatchSize
	logging.Embedding("GenAI.EmbedBatch: chunking %d texts into %d batches", len(texts), numBatches)

	all := make([][]float32, 0, len(texts))
	for batch := 0; batch < numBatches; batch++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		start := batch * maxBatchSize
		end := min(start+maxBatchSize, len(texts))

		chunk, err := e.embedBatchChunk(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d/%d failed: %w", batch+1, numBatches, err)
		}
		all = append(all, chunk...)
	}

	return all, nil
}

func (e *GenAIEngine) embedBatchChunk(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		contents,
		&genai.EmbedContentConfig{
			OutputDimensionality: int32Ptr(genAIDimensions),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("GenAI batch embed failed: %w", err)
	}

	embeddings := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		embeddings[i] = emb.Values
	}
	return embeddings, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *GenAIEngine) Dimensions() int {
	return genAIDimensions
}

// Name returns the engine name.
func (e *GenAIEngine) Name() string {
	return fmt.Sprintf("genai:%s", e.model)
}
