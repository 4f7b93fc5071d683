package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traceai/internal/graph"
)

func testNodes() []*graph.Node {
	return []*graph.Node{
		{
			ID:   "ent:1",
			Kind: graph.KindDataEntity,
			Name: "Customer",
			Props: map[string]string{
				"entity_type": "table",
				"columns":     "id,name,balance",
			},
		},
		{
			ID:   "comp:1",
			Kind: graph.KindComponent,
			Name: "LoadOrders",
			Props: map[string]string{
				"component_type": "job",
				"description":    "loads order rows into the warehouse",
			},
		},
		{
			ID:   "src:1",
			Kind: graph.KindDataSource,
			Name: "Warehouse",
			Props: map[string]string{
				"source_kind": "db",
				"locator":     "server=db01;database=dw",
			},
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *MemoryIndex) {
	t.Helper()
	idx := NewMemoryIndex()
	engine, err := NewEngine(NewHashEmbedder(0), idx)
	require.NoError(t, err)
	return engine, idx
}

func TestEngine_UpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	engine, idx := newTestEngine(t)

	require.NoError(t, engine.UpsertNodes(ctx, testNodes()))
	assert.Equal(t, 3, idx.Len())

	matches, err := engine.Search(ctx, "customer table with balance", 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "ent:1", matches[0].ID, "term overlap should rank the customer entity first")

	// Scores decrease monotonically.
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
	}
}

func TestEngine_SearchKZero(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	require.NoError(t, engine.UpsertNodes(ctx, testNodes()))

	matches, err := engine.Search(ctx, "anything", 0, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestEngine_MetadataFilter(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	require.NoError(t, engine.UpsertNodes(ctx, testNodes()))

	matches, err := engine.Search(ctx, "warehouse database", 10, map[string]string{"kind": "datasource"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "src:1", matches[0].ID)
}

func TestEngine_UpsertIdempotentByID(t *testing.T) {
	ctx := context.Background()
	engine, idx := newTestEngine(t)

	require.NoError(t, engine.UpsertNodes(ctx, testNodes()))
	require.NoError(t, engine.UpsertNodes(ctx, testNodes()))
	assert.Equal(t, 3, idx.Len())
}

func TestEngine_Delete(t *testing.T) {
	ctx := context.Background()
	engine, idx := newTestEngine(t)
	require.NoError(t, engine.UpsertNodes(ctx, testNodes()))

	require.NoError(t, engine.DeleteNodes(ctx, []string{"ent:1"}))
	assert.Equal(t, 2, idx.Len())

	matches, err := engine.Search(ctx, "customer", 10, nil)
	require.NoError(t, err)
	for _, m := range matches {
		assert.NotEqual(t, "ent:1", m.ID)
	}
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	a, err := e.Embed(context.Background(), []string{"customer data"})
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), []string{"customer data"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a[0], 64)
}

func TestHashEmbedder_SimilarTextsCloser(t *testing.T) {
	e := NewHashEmbedder(0)
	vecs, err := e.Embed(context.Background(), []string{
		"customer master table",
		"customer master record",
		"ftp endpoint for invoices",
	})
	require.NoError(t, err)
	near := CosineSimilarity(vecs[0], vecs[1])
	far := CosineSimilarity(vecs[0], vecs[2])
	assert.Greater(t, near, far)
}

func TestCosineSimilarity_Bounds(t *testing.T) {
	assert.Equal(t, float64(0), CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, float64(0), CosineSimilarity(nil, nil))
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{1, 2}), 1e-9)
}

func TestTextSurface_PerKind(t *testing.T) {
	nodes := testNodes()
	assert.Contains(t, TextSurface(nodes[0]), "Customer")
	assert.Contains(t, TextSurface(nodes[0]), "id,name,balance")
	assert.Contains(t, TextSurface(nodes[1]), "loads order rows")
	assert.Contains(t, TextSurface(nodes[2]), "server=db01")
}
