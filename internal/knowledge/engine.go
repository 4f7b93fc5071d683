package knowledge

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"traceai/internal/graph"
	"traceai/internal/ir"
)

const embedCacheSize = 4096

// Engine pairs an embedder with an index and knows how to render each
// graph node kind into the text surface that gets embedded. Re-ingest
// runs hit the embedding cache instead of the provider.
type Engine struct {
	embedder Embedder
	index    Index
	cache    *lru.Cache[string, []float32]
}

func NewEngine(embedder Embedder, index Index) (*Engine, error) {
	cache, err := lru.New[string, []float32](embedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed cache: %w", err)
	}
	return &Engine{embedder: embedder, index: index, cache: cache}, nil
}

// TextSurface renders the embeddable text for one node: documents embed
// name and description, components add their type and source excerpt,
// sources their locator, entities their qualified name and columns.
func TextSurface(n *graph.Node) string {
	var sb strings.Builder
	switch n.Kind {
	case graph.KindDocument:
		fmt.Fprintf(&sb, "Document %s (%s)", n.Name, n.Props["document_kind"])
		if d := n.Props["description"]; d != "" {
			fmt.Fprintf(&sb, ": %s", d)
		}
	case graph.KindComponent:
		fmt.Fprintf(&sb, "Component %s (%s)", n.Name, n.Props["component_type"])
		if d := n.Props["description"]; d != "" {
			fmt.Fprintf(&sb, ": %s", d)
		}
		if src := n.Props["source_excerpt"]; src != "" {
			fmt.Fprintf(&sb, "\n%s", src)
		}
	case graph.KindDataSource:
		fmt.Fprintf(&sb, "Data source %s (%s) at %s", n.Name, n.Props["source_kind"], n.Props["locator"])
	case graph.KindDataEntity:
		name := n.Name
		if schema := n.Props["schema"]; schema != "" {
			name = schema + "." + name
		}
		fmt.Fprintf(&sb, "Data entity %s (%s)", name, n.Props["entity_type"])
		if cols := n.Props["columns"]; cols != "" {
			fmt.Fprintf(&sb, " with columns %s", cols)
		}
	case graph.KindParameter:
		fmt.Fprintf(&sb, "Parameter %s", n.Name)
		if v := n.Props["value"]; v != "" {
			fmt.Fprintf(&sb, " = %s", v)
		}
	default:
		sb.WriteString(n.Name)
	}
	return sb.String()
}

// metadataFor exposes the node facets usable as search filters.
func metadataFor(n *graph.Node) map[string]string {
	md := map[string]string{
		"kind": string(n.Kind),
		"name": n.Name,
	}
	if n.DocID != "" {
		md["doc_id"] = n.DocID
	}
	for _, key := range []string{"document_kind", "component_type", "entity_type", "source_kind"} {
		if v := n.Props[key]; v != "" {
			md[key] = v
		}
	}
	return md
}

// UpsertNodes indexes the text surfaces of the given nodes. Ordered
// after the corresponding graph commit so search never returns an id
// the graph does not have.
func (e *Engine) UpsertNodes(ctx context.Context, nodes []*graph.Node) error {
	if len(nodes) == 0 {
		return nil
	}

	items := make([]VectorItem, 0, len(nodes))
	var missingTexts []string
	var missingAt []int
	for _, n := range nodes {
		text := TextSurface(n)
		item := VectorItem{ID: n.ID, Text: text, Metadata: metadataFor(n)}
		if vec, ok := e.cache.Get(cacheKey(text)); ok {
			item.Embedding = vec
		} else {
			missingAt = append(missingAt, len(items))
			missingTexts = append(missingTexts, text)
		}
		items = append(items, item)
	}

	if len(missingTexts) > 0 {
		vectors, err := e.embedder.Embed(ctx, missingTexts)
		if err != nil {
			return fmt.Errorf("knowledge: embed %d texts: %w", len(missingTexts), err)
		}
		if len(vectors) != len(missingTexts) {
			return fmt.Errorf("knowledge: embedder returned %d vectors for %d texts", len(vectors), len(missingTexts))
		}
		for i, at := range missingAt {
			items[at].Embedding = vectors[i]
			e.cache.Add(cacheKey(missingTexts[i]), vectors[i])
		}
	}

	return e.index.Upsert(ctx, items)
}

// DeleteNodes drops vectors for removed node ids.
func (e *Engine) DeleteNodes(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return e.index.Delete(ctx, ids)
}

// Search embeds the query text and returns the top-k nearest node ids.
// k <= 0 yields an empty result.
func (e *Engine) Search(ctx context.Context, query string, k int, filter map[string]string) ([]Match, error) {
	if k <= 0 {
		return []Match{}, nil
	}
	vec, ok := e.cache.Get(cacheKey(query))
	if !ok {
		vectors, err := e.embedder.Embed(ctx, []string{query})
		if err != nil {
			return nil, fmt.Errorf("knowledge: embed query: %w", err)
		}
		if len(vectors) == 0 {
			return []Match{}, nil
		}
		vec = vectors[0]
		e.cache.Add(cacheKey(query), vec)
	}
	return e.index.Search(ctx, vec, k, filter)
}

func cacheKey(text string) string {
	return ir.Fingerprint("embed", text)
}
