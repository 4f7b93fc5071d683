// Package knowledge maintains the semantic vector index over graph
// node text surfaces and answers similarity queries for discovery.
package knowledge

import "context"

// Embedder converts text to vectors. Implementations wrap a provider
// (Gemini, OpenAI, Ollama) or compute locally.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// VectorItem pairs a node id with its embedding and searchable metadata.
type VectorItem struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"embedding"`
}

// Match is one similarity-search hit; scores decrease monotonically.
type Match struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Index stores vectors keyed by node id. Upserts are idempotent by id;
// the filter is a metadata-equality predicate. Implementations are
// independently thread-safe.
type Index interface {
	Upsert(ctx context.Context, items []VectorItem) error
	Delete(ctx context.Context, ids []string) error
	Search(ctx context.Context, query []float32, k int, filter map[string]string) ([]Match, error)
}
