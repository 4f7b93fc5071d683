package knowledge

import (
	"context"
	"fmt"
	"strings"
)

type EmbedderOptions struct {
	Provider  string
	APIKey    string
	Model     string
	Dimension int
	BaseURL   string
}

// NewEmbedder selects a provider by name. An empty provider picks
// gemini when an API key is present and the offline hash embedder
// otherwise, so ingestion works without credentials.
func NewEmbedder(ctx context.Context, opts EmbedderOptions) (Embedder, error) {
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" {
		if strings.TrimSpace(opts.APIKey) != "" {
			provider = "gemini"
		} else {
			provider = "hash"
		}
	}

	switch provider {
	case "gemini":
		return NewGeminiEmbedder(ctx, opts.APIKey, opts.Model, opts.Dimension)
	case "openai":
		return NewOpenAIEmbedder(opts.APIKey, opts.Model, opts.Dimension, opts.BaseURL), nil
	case "ollama":
		return NewOllamaEmbedder(opts.Model, opts.Dimension, opts.BaseURL), nil
	case "hash", "local":
		return NewHashEmbedder(opts.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedder provider: %s", opts.Provider)
	}
}
