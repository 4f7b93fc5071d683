package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traceai/internal/graph"
	"traceai/internal/ir"
	"traceai/internal/knowledge"
)

func sampleDump() *graph.Dump {
	return &graph.Dump{
		SchemaVersion: graph.DumpSchemaVersion,
		DocumentHashes: map[string]string{
			"doc:1": "hash1",
		},
		Nodes: []*graph.Node{
			{ID: "doc:1", Kind: graph.KindDocument, Name: "loader", Props: map[string]string{
				"document_kind": "json_config",
				"source_path":   "/cfg/loader.json",
			}},
			{ID: "doc:1/job", Kind: graph.KindComponent, Name: "job", DocID: "doc:1", Props: map[string]string{
				"component_type": "job",
			}},
			{ID: "ent:orders", Kind: graph.KindDataEntity, Name: "Orders"},
		},
		Edges: []*graph.Edge{
			{From: "doc:1", To: "doc:1/job", Kind: ir.DepContains},
			{From: "doc:1/job", To: "ent:orders", Kind: ir.DepWritesTo},
		},
		Deferred: []graph.UnresolvedRef{
			{FromID: "doc:1/job", Program: "cust001", Reason: graph.ReasonNoCandidate},
		},
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_GraphRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveGraph(ctx, sampleDump()))

	loaded, err := store.LoadGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, graph.DumpSchemaVersion, loaded.SchemaVersion)
	assert.Len(t, loaded.Nodes, 3)
	assert.Len(t, loaded.Edges, 2)
	assert.Equal(t, "hash1", loaded.DocumentHashes["doc:1"])
	require.Len(t, loaded.Deferred, 1)
	assert.Equal(t, "cust001", loaded.Deferred[0].Program)

	// The round-tripped dump imports into a working builder.
	b := graph.NewBuilder()
	require.NoError(t, b.Import(loaded))
	assert.Equal(t, 3, b.Snapshot().Stats().Nodes)
}

func TestSQLiteStore_SaveReplacesPrior(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveGraph(ctx, sampleDump()))
	small := &graph.Dump{
		SchemaVersion:  graph.DumpSchemaVersion,
		DocumentHashes: map[string]string{},
		Nodes:          []*graph.Node{{ID: "doc:2", Kind: graph.KindDocument, Name: "other"}},
	}
	require.NoError(t, store.SaveGraph(ctx, small))

	loaded, err := store.LoadGraph(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Nodes, 1)
	assert.Equal(t, "doc:2", loaded.Nodes[0].ID)
}

func TestSQLiteStore_LoadEmpty(t *testing.T) {
	store := newTestStore(t)
	loaded, err := store.LoadGraph(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded.Nodes)
}

func TestSQLiteStore_VectorRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	items := []knowledge.VectorItem{
		{ID: "a", Text: "customer table", Metadata: map[string]string{"kind": "dataentity"}, Embedding: []float32{1, 0, 0}},
		{ID: "b", Text: "orders job", Metadata: map[string]string{"kind": "component"}, Embedding: []float32{0, 1, 0}},
	}
	require.NoError(t, store.Upsert(ctx, items))

	matches, err := store.Search(ctx, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].ID)
	assert.Greater(t, matches[0].Score, matches[1].Score)

	t.Run("filter", func(t *testing.T) {
		matches, err := store.Search(ctx, []float32{1, 0, 0}, 10, map[string]string{"kind": "component"})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "b", matches[0].ID)
	})

	t.Run("upsert replaces", func(t *testing.T) {
		require.NoError(t, store.Upsert(ctx, []knowledge.VectorItem{
			{ID: "a", Text: "updated", Embedding: []float32{0, 0, 1}},
		}))
		matches, err := store.Search(ctx, []float32{0, 0, 1}, 1, nil)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "a", matches[0].ID)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, []string{"a"}))
		matches, err := store.Search(ctx, []float32{0, 0, 1}, 10, nil)
		require.NoError(t, err)
		for _, m := range matches {
			assert.NotEqual(t, "a", m.ID)
		}
	})
}

func TestJSONDump_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, SaveJSONDump(path, sampleDump()))

	loaded, err := LoadJSONDump(path)
	require.NoError(t, err)
	assert.Len(t, loaded.Nodes, 3)
	assert.Equal(t, "hash1", loaded.DocumentHashes["doc:1"])
}

func TestJSONDump_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	dump := sampleDump()
	dump.SchemaVersion = graph.DumpSchemaVersion + 1
	require.NoError(t, SaveJSONDump(path, dump))

	_, err := LoadJSONDump(path)
	assert.Error(t, err)
}
