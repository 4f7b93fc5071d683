package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traceai/internal/fault"
	"traceai/internal/graph"
	"traceai/internal/ir"
	"traceai/internal/knowledge"
)

// ssisStyleDoc reproduces the one-package impact scenario: two readers
// and one writer of Customer.
func ssisStyleDoc() *ir.ParsedDocument {
	doc := ir.Document{
		ID:          ir.DocumentID("/pkg/customer.dtsx", "h1"),
		Name:        "CustomerETL",
		Kind:        ir.DocSSIS,
		SourcePath:  "/pkg/customer.dtsx",
		ContentHash: "h1",
	}
	customer := ir.DataEntityID("", "Customer")
	mk := func(name string) ir.Component {
		return ir.Component{
			ID:            ir.ComponentID(doc.ID, name),
			Name:          name,
			ComponentType: "DtsExecutable:ExecuteSQLTask",
		}
	}
	extract := mk("ExtractCustomers")
	merge := mk("MergeToWarehouse")
	aggregate := mk("AggregateSales")
	return &ir.ParsedDocument{
		Document:     doc,
		Components:   []ir.Component{extract, merge, aggregate},
		DataEntities: []ir.DataEntity{{ID: customer, Name: "Customer", Kind: ir.EntityTable}},
		Dependencies: []ir.Dependency{
			{FromID: extract.ID, ToID: customer, Kind: ir.DepReadsFrom},
			{FromID: aggregate.ID, ToID: customer, Kind: ir.DepReadsFrom},
			{FromID: merge.ID, ToID: customer, Kind: ir.DepWritesTo},
			{FromID: extract.ID, ToID: merge.ID, Kind: ir.DepPrecedes},
		},
	}
}

func newTestService(t *testing.T) (*Service, *graph.Builder, *knowledge.Engine) {
	t.Helper()
	builder := graph.NewBuilder()
	engine, err := knowledge.NewEngine(knowledge.NewHashEmbedder(0), knowledge.NewMemoryIndex())
	require.NoError(t, err)
	return NewService(builder, engine), builder, engine
}

func ingestDoc(t *testing.T, builder *graph.Builder, engine *knowledge.Engine, pd *ir.ParsedDocument) {
	t.Helper()
	report, err := builder.AddDocument(pd)
	require.NoError(t, err)
	require.NoError(t, engine.UpsertNodes(context.Background(), builder.NodesByID(report.UpsertIDs)))
}

func TestService_AnalyzeImpact(t *testing.T) {
	svc, builder, engine := newTestService(t)
	ingestDoc(t, builder, engine, ssisStyleDoc())

	result, err := svc.AnalyzeImpact(context.Background(), AnalyzeImpactInput{EntityName: "Customer"})
	require.NoError(t, err)

	require.Len(t, result.Readers, 2)
	assert.Equal(t, "AggregateSales", result.Readers[0].Name, "readers sorted lexicographically")
	assert.Equal(t, "ExtractCustomers", result.Readers[1].Name)
	require.Len(t, result.Writers, 1)
	assert.Equal(t, "MergeToWarehouse", result.Writers[0].Name)
	assert.Equal(t, 3, result.Total)
}

func TestService_GraphQueryAndStats(t *testing.T) {
	svc, builder, engine := newTestService(t)
	ingestDoc(t, builder, engine, ssisStyleDoc())
	ctx := context.Background()

	byKind, err := svc.GraphQuery(ctx, GraphQueryInput{Kind: "component"})
	require.NoError(t, err)
	assert.Equal(t, 3, byKind.Total)

	bySubstring, err := svc.GraphQuery(ctx, GraphQueryInput{NameSubstring: "customers"})
	require.NoError(t, err)
	assert.Equal(t, 1, bySubstring.Total)

	byID, err := svc.GraphQuery(ctx, GraphQueryInput{ID: ir.DataEntityID("", "Customer")})
	require.NoError(t, err)
	require.Equal(t, 1, byID.Total)
	assert.Equal(t, "Customer", byID.Nodes[0].Name)

	stats, err := svc.GraphStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Stats.Nodes)
	assert.Equal(t, 1, stats.Stats.ByDocumentType["ssis"])
}

func TestService_FindDependencies(t *testing.T) {
	svc, builder, engine := newTestService(t)
	pd := ssisStyleDoc()
	ingestDoc(t, builder, engine, pd)

	result, err := svc.FindDependencies(context.Background(), FindDependenciesInput{
		ComponentID: pd.Components[0].ID,
		Direction:   "downstream",
	})
	require.NoError(t, err)
	require.Len(t, result.Components, 1)
	assert.Equal(t, "MergeToWarehouse", result.Components[0].Node.Name)
}

func TestService_SemanticSearchConsistentWithGraph(t *testing.T) {
	svc, builder, engine := newTestService(t)
	pd := ssisStyleDoc()
	ingestDoc(t, builder, engine, pd)
	ctx := context.Background()

	k := 10
	result, err := svc.SemanticSearch(ctx, SemanticSearchInput{Text: "customer data", K: &k})
	require.NoError(t, err)
	require.NotEmpty(t, result.Matches)

	for _, m := range result.Matches {
		lookup, err := svc.GraphQuery(ctx, GraphQueryInput{ID: m.ID})
		require.NoError(t, err)
		assert.Equal(t, 1, lookup.Total, "search hit %s must resolve in the graph", m.ID)
	}

	t.Run("removed document disappears from search", func(t *testing.T) {
		report, ok := builder.RemoveDocument(pd.Document.ID)
		require.True(t, ok)
		require.NoError(t, engine.DeleteNodes(ctx, report.RemovedIDs))

		result, err := svc.SemanticSearch(ctx, SemanticSearchInput{Text: "customer data", K: &k})
		require.NoError(t, err)
		assert.Empty(t, result.Matches)
	})
}

func TestService_SemanticSearchKZero(t *testing.T) {
	svc, builder, engine := newTestService(t)
	ingestDoc(t, builder, engine, ssisStyleDoc())

	zero := 0
	result, err := svc.SemanticSearch(context.Background(), SemanticSearchInput{Text: "x", K: &zero})
	require.NoError(t, err)
	assert.Empty(t, result.Matches)
}

func TestService_Call_ValidatesInput(t *testing.T) {
	svc, builder, engine := newTestService(t)
	ingestDoc(t, builder, engine, ssisStyleDoc())
	ctx := context.Background()

	t.Run("unknown operation", func(t *testing.T) {
		_, err := svc.Call(ctx, "explode", json.RawMessage(`{}`))
		assert.True(t, fault.IsKind(err, fault.InvalidArgument))
	})

	t.Run("missing required field", func(t *testing.T) {
		_, err := svc.Call(ctx, OpTraceLineage, json.RawMessage(`{}`))
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.InvalidArgument))
	})

	t.Run("wrong type", func(t *testing.T) {
		_, err := svc.Call(ctx, OpTraceLineage, json.RawMessage(`{"entity_name": 7}`))
		assert.True(t, fault.IsKind(err, fault.InvalidArgument))
	})

	t.Run("bad direction", func(t *testing.T) {
		_, err := svc.Call(ctx, OpTraceLineage, json.RawMessage(`{"entity_name": "Customer", "direction": "sideways"}`))
		assert.True(t, fault.IsKind(err, fault.InvalidArgument))
	})

	t.Run("unexpected property", func(t *testing.T) {
		_, err := svc.Call(ctx, OpGraphStats, json.RawMessage(`{"surprise": true}`))
		assert.True(t, fault.IsKind(err, fault.InvalidArgument))
	})

	t.Run("valid call dispatches", func(t *testing.T) {
		out, err := svc.Call(ctx, OpAnalyzeImpact, json.RawMessage(`{"entity_name": "Customer"}`))
		require.NoError(t, err)
		result, ok := out.(*AnalyzeImpactResult)
		require.True(t, ok)
		assert.Equal(t, 3, result.Total)
	})

	t.Run("nil input treated as empty object", func(t *testing.T) {
		out, err := svc.Call(ctx, OpGraphStats, nil)
		require.NoError(t, err)
		_, ok := out.(*GraphStatsResult)
		assert.True(t, ok)
	})
}

func TestService_UnknownEntityCarriesName(t *testing.T) {
	svc, builder, engine := newTestService(t)
	ingestDoc(t, builder, engine, ssisStyleDoc())

	_, err := svc.AnalyzeImpact(context.Background(), AnalyzeImpactInput{EntityName: "NoSuchTable"})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.UnknownEntity))

	var f *fault.Fault
	require.ErrorAs(t, err, &f)
	assert.Contains(t, f.IDs, "NoSuchTable")
}

func TestService_TraceLineageDefaults(t *testing.T) {
	svc, builder, engine := newTestService(t)
	ingestDoc(t, builder, engine, ssisStyleDoc())

	result, err := svc.TraceLineage(context.Background(), TraceLineageInput{EntityName: "Customer"})
	require.NoError(t, err)
	assert.Equal(t, "both", result.Direction)
	assert.Equal(t, defaultLineageDepth, result.MaxDepth)
	assert.NotEmpty(t, result.Upstream)
	assert.NotEmpty(t, result.Downstream)
}
