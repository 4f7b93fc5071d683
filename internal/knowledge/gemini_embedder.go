package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	geminiEmbedBatchSize  = 50
	geminiEmbedBatchDelay = 700 * time.Millisecond
	geminiRetryDelay      = 6 * time.Second
	geminiMaxRetries      = 5
)

// GeminiEmbedder embeds node text surfaces through the Gemini API.
// Requests batch to stay under the per-call limit and back off on
// quota errors.
type GeminiEmbedder struct {
	client    *genai.Client
	model     string
	dimension int
}

func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dim int) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: genai client: %w", err)
	}
	return &GeminiEmbedder{client: client, model: model, dimension: dim}, nil
}

func (g *GeminiEmbedder) Dimension() int { return g.dimension }

func (g *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var config *genai.EmbedContentConfig
	if g.dimension > 0 {
		dim := int32(g.dimension)
		config = &genai.EmbedContentConfig{OutputDimensionality: &dim}
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += geminiEmbedBatchSize {
		if start > 0 && !sleepOrCancel(ctx, geminiEmbedBatchDelay) {
			return nil, ctx.Err()
		}
		end := min(start+geminiEmbedBatchSize, len(texts))
		batch := texts[start:end]

		contents := make([]*genai.Content, 0, len(batch))
		for _, text := range batch {
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}

		res, err := g.embedWithRetry(ctx, contents, config)
		if err != nil {
			return nil, err
		}
		if len(res.Embeddings) != len(batch) {
			return nil, fmt.Errorf("knowledge: gemini returned %d embeddings for %d texts", len(res.Embeddings), len(batch))
		}
		for _, emb := range res.Embeddings {
			results = append(results, emb.Values)
		}
	}
	return results, nil
}

func (g *GeminiEmbedder) embedWithRetry(ctx context.Context, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= geminiMaxRetries; attempt++ {
		res, err := g.client.Models.EmbedContent(ctx, g.model, contents, config)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isRateLimitError(err) || attempt == geminiMaxRetries {
			break
		}
		if !sleepOrCancel(ctx, geminiRetryDelay) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("knowledge: gemini embed: %w", lastErr)
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "429") || strings.Contains(s, "RESOURCE_EXHAUSTED") || strings.Contains(s, "quota")
}

// sleepOrCancel waits d, returning false if ctx fires first.
func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
