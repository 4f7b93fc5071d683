package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traceai/internal/fault"
	"traceai/internal/graph"
	"traceai/internal/ir"
	"traceai/internal/knowledge"
	"traceai/internal/parser"
)

const cust001Source = `       IDENTIFICATION DIVISION.
       PROGRAM-ID. CUST001.
       ENVIRONMENT DIVISION.
       INPUT-OUTPUT SECTION.
       FILE-CONTROL.
           SELECT CUSTOMER-FILE ASSIGN TO 'CUSTIN'.
       PROCEDURE DIVISION.
       MAIN-PARA.
           READ CUSTOMER-FILE.
           WRITE CUSTMAST.
           STOP RUN.
`

const custJobSource = `//CUSTJOB  JOB (ACCT),'NIGHTLY'
//STEP1    EXEC PGM=CUST001
//CUSTIN   DD DSN=CUSTOMER.INPUT.MASTER,DISP=SHR
//CUSTOUT  DD DSN=CUSTMAST,DISP=(NEW,CATLG,DELETE)
`

const pipelineSource = `{
  "name": "reporting",
  "jobs": [
    {"name": "daily-report", "depends_on": [], "source": "dw.FactOrders", "target": "dw.RptDaily"}
  ]
}`

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func newTestCoordinator(t *testing.T) (*Coordinator, *graph.Builder, *knowledge.MemoryIndex) {
	t.Helper()
	builder := graph.NewBuilder()
	idx := knowledge.NewMemoryIndex()
	engine, err := knowledge.NewEngine(knowledge.NewHashEmbedder(0), idx)
	require.NoError(t, err)
	return NewCoordinator(parser.DefaultRegistry(), builder, engine), builder, idx
}

func TestCoordinator_CrossFormatLineage(t *testing.T) {
	root := writeTree(t, map[string]string{
		"progs/cust001.cbl": cust001Source,
		"jobs/custjob.jcl":  custJobSource,
	})
	coordinator, builder, _ := newTestCoordinator(t)

	report, err := coordinator.Run(context.Background(), Options{Root: root})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Parsed)
	assert.Zero(t, report.Failed)
	assert.Empty(t, report.Unresolved, "EXEC PGM=CUST001 must resolve against the COBOL document")

	snap := builder.Snapshot()

	t.Run("upstream lineage spans formats", func(t *testing.T) {
		res, err := snap.TraceLineage("CUSTMAST", graph.Upstream, 5, 0)
		require.NoError(t, err)
		var upstream []string
		for _, nd := range res.Upstream {
			upstream = append(upstream, nd.Node.Name)
		}
		assert.Contains(t, upstream, "CUSTOMER-FILE")
		assert.Contains(t, upstream, "CUSTOMER.INPUT.MASTER")
	})

	t.Run("deferred CALLS edge resolved", func(t *testing.T) {
		jobs := snap.FindNodes(graph.KindDocument, "CUSTJOB", 0)
		require.Len(t, jobs, 1)
		progs := snap.FindNodes(graph.KindDocument, "CUST001", 0)
		require.Len(t, progs, 1)

		stepID := ir.ComponentID(jobs[0].ID, "STEP1")
		var calls bool
		for _, e := range snap.Outgoing(stepID) {
			if e.Kind == ir.DepCalls && e.To == progs[0].ID {
				calls = true
			}
		}
		assert.True(t, calls)
	})
}

func TestCoordinator_IdempotentReingest(t *testing.T) {
	root := writeTree(t, map[string]string{
		"progs/cust001.cbl": cust001Source,
		"jobs/custjob.jcl":  custJobSource,
		"cfg/pipeline.json": pipelineSource,
	})
	coordinator, builder, idx := newTestCoordinator(t)
	ctx := context.Background()

	first, err := coordinator.Run(ctx, Options{Root: root})
	require.NoError(t, err)
	require.Greater(t, first.NodesAdded, 0)

	statsBefore := builder.Snapshot().Stats()
	vectorsBefore := idx.Len()

	second, err := coordinator.Run(ctx, Options{Root: root})
	require.NoError(t, err)
	assert.Equal(t, 0, second.NodesAdded)
	assert.Equal(t, 0, second.NodesUpdated)
	assert.Equal(t, 0, second.NodesRemoved)
	assert.Equal(t, 0, second.EdgesAdded)
	assert.Equal(t, 3, second.NoOps)

	assert.Equal(t, statsBefore, builder.Snapshot().Stats())
	assert.Equal(t, vectorsBefore, idx.Len())
}

func TestCoordinator_PartialIngest(t *testing.T) {
	root := writeTree(t, map[string]string{
		"good/pipeline.json": pipelineSource,
		"good/cust001.cbl":   cust001Source,
		"bad/broken.json":    `{"name": "x",`,
		"bad/junk.cbl":       "      *PROGRAM-ID. JUNK.\n      *comments only, no divisions\n",
	})
	coordinator, builder, _ := newTestCoordinator(t)

	report, err := coordinator.Run(context.Background(), Options{Root: root})
	require.NoError(t, err, "parse failures never abort the run")

	assert.Equal(t, 2, report.Parsed)
	assert.Equal(t, 2, report.Failed)
	assert.True(t, report.PartialFailure())
	require.Len(t, report.Errors, 2)
	assert.Contains(t, report.Errors[0].Path, "broken.json")
	assert.Contains(t, report.Errors[1].Path, "junk.cbl")
	for _, fe := range report.Errors {
		assert.Equal(t, fault.MalformedInput, fe.Kind)
	}

	// The parseable documents are queryable.
	snap := builder.Snapshot()
	assert.NotEmpty(t, snap.FindNodes(graph.KindDocument, "reporting", 0))
}

func TestCoordinator_SkipsUnsupportedFiles(t *testing.T) {
	root := writeTree(t, map[string]string{
		"readme.md":    "# docs",
		"cfg/p.json":   pipelineSource,
		"notes.txt":    "hello",
		"fake.jcl":     "this has a jcl extension but no job card",
	})
	coordinator, _, _ := newTestCoordinator(t)

	report, err := coordinator.Run(context.Background(), Options{Root: root})
	require.NoError(t, err)
	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 3, report.Skipped)
	assert.Equal(t, 1, report.Parsed)
}

func TestCoordinator_PatternFilter(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.json": pipelineSource,
		"b.cbl":  cust001Source,
	})
	coordinator, _, _ := newTestCoordinator(t)

	report, err := coordinator.Run(context.Background(), Options{Root: root, Patterns: []string{"*.json"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Parsed)
}

func TestCoordinator_BadPattern(t *testing.T) {
	coordinator, _, _ := newTestCoordinator(t)
	_, err := coordinator.Run(context.Background(), Options{Root: ".", Patterns: []string{"[bad"}})
	assert.True(t, fault.IsKind(err, fault.InvalidArgument))
}

func TestCoordinator_EmptyTree(t *testing.T) {
	coordinator, builder, _ := newTestCoordinator(t)
	report, err := coordinator.Run(context.Background(), Options{Root: t.TempDir()})
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Zero(t, builder.Snapshot().Stats().Nodes)
}

func TestCoordinator_Cancelled(t *testing.T) {
	root := writeTree(t, map[string]string{"cfg/p.json": pipelineSource})
	coordinator, _, _ := newTestCoordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := coordinator.Run(ctx, Options{Root: root})
	require.Error(t, err)
	assert.Equal(t, fault.Cancelled, fault.KindOf(err))
}

func TestCoordinator_VectorGraphConsistency(t *testing.T) {
	root := writeTree(t, map[string]string{
		"cfg/pipeline.json": pipelineSource,
		"progs/cust001.cbl": cust001Source,
	})
	coordinator, builder, idx := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coordinator.Run(ctx, Options{Root: root})
	require.NoError(t, err)

	snap := builder.Snapshot()
	for _, item := range idx.Items() {
		_, ok := snap.Node(item.ID)
		assert.True(t, ok, "vector id %s must exist in the graph", item.ID)
	}
}
