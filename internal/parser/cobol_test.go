package parser

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traceai/internal/fault"
	"traceai/internal/ir"
)

const cust001Source = `       IDENTIFICATION DIVISION.
       PROGRAM-ID. CUST001.
       AUTHOR. J SMITH.
       ENVIRONMENT DIVISION.
       INPUT-OUTPUT SECTION.
       FILE-CONTROL.
           SELECT CUSTOMER-FILE ASSIGN TO 'CUSTIN'.
       DATA DIVISION.
       WORKING-STORAGE SECTION.
       01  CUSTOMER-RECORD.
           05  CUST-ID        PIC 9(8).
           05  CUST-NAME      PIC X(40).
           05  CUST-BALANCE   PIC S9(7)V99.
       01  WS-COUNTERS.
           05  WS-READ-COUNT  PIC 9(6).
       PROCEDURE DIVISION.
       MAIN-PARA.
           READ CUSTOMER-FILE.
           WRITE CUSTMAST.
           PERFORM UPDATE-BALANCES.
           STOP RUN.
       UPDATE-BALANCES.
           CALL 'BILL001'.
           EXEC SQL
               UPDATE ACCOUNTS SET BAL = 0
           END-EXEC.
`

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCOBOLParser_Parse(t *testing.T) {
	p := NewCOBOLParser()
	path := writeFixture(t, "cust001.cbl", cust001Source)

	doc, err := p.Parse(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "CUST001", doc.Document.Name)
	assert.Equal(t, ir.DocCOBOL, doc.Document.Kind)
	assert.Equal(t, "J SMITH", doc.Document.Custom["author"])

	t.Run("files", func(t *testing.T) {
		// CUSTOMER-FILE from FILE-CONTROL plus CUSTMAST from the bare WRITE.
		var names []string
		for _, s := range doc.DataSources {
			names = append(names, s.Name)
		}
		assert.ElementsMatch(t, []string{"CUSTOMER-FILE", "CUSTMAST"}, names)
	})

	t.Run("records", func(t *testing.T) {
		require.Len(t, doc.DataEntities, 3) // 2 records + ACCOUNTS from EXEC SQL
		assert.Equal(t, "CUSTOMER-RECORD", doc.DataEntities[0].Name)
		assert.Equal(t, []string{"CUST-ID", "CUST-NAME", "CUST-BALANCE"}, doc.DataEntities[0].Columns)
		assert.Equal(t, ir.EntityRecord, doc.DataEntities[0].Kind)
	})

	t.Run("paragraphs", func(t *testing.T) {
		var names []string
		for _, c := range doc.Components {
			names = append(names, c.Name)
			assert.Equal(t, "paragraph", c.ComponentType)
		}
		assert.Equal(t, []string{"MAIN-PARA", "UPDATE-BALANCES"}, names)
	})

	t.Run("dependencies", func(t *testing.T) {
		kinds := map[ir.DependencyKind]int{}
		var deferredTargets []string
		for _, d := range doc.Dependencies {
			kinds[d.Kind]++
			if name, ok := ir.IsDeferredRef(d.ToID); ok {
				deferredTargets = append(deferredTargets, name)
			}
		}
		assert.Equal(t, 1, kinds[ir.DepReadsFrom])
		// WRITE CUSTMAST plus the EXEC SQL UPDATE.
		assert.Equal(t, 2, kinds[ir.DepWritesTo])
		// PERFORM plus external CALL.
		assert.Equal(t, 2, kinds[ir.DepCalls])
		assert.Equal(t, []string{"bill001"}, deferredTargets)
	})
}

func TestCOBOLParser_Deterministic(t *testing.T) {
	p := NewCOBOLParser()
	path := writeFixture(t, "cust001.cbl", cust001Source)

	first, err := p.Parse(context.Background(), path)
	require.NoError(t, err)
	second, err := p.Parse(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCOBOLParser_CommentLinesIgnored(t *testing.T) {
	src := "       IDENTIFICATION DIVISION.\n" +
		"       PROGRAM-ID. TINY01.\n" +
		"      * THIS WHOLE LINE IS A COMMENT: READ GHOST-FILE.\n" +
		"       PROCEDURE DIVISION.\n" +
		"       ONLY-PARA.\n" +
		"           STOP RUN.\n"
	p := NewCOBOLParser()
	doc, err := p.Parse(context.Background(), writeFixture(t, "tiny.cbl", src))
	require.NoError(t, err)
	assert.Empty(t, doc.DataSources)
	require.Len(t, doc.Components, 1)
	assert.Equal(t, "ONLY-PARA", doc.Components[0].Name)
}

func TestCOBOLParser_MalformedInput(t *testing.T) {
	p := NewCOBOLParser()
	_, err := p.Parse(context.Background(), writeFixture(t, "junk.cbl", "not cobol at all\n"))
	assert.True(t, fault.IsKind(err, fault.MalformedInput))
}

func TestCOBOLParser_FreeForm(t *testing.T) {
	src := "IDENTIFICATION DIVISION.\n" +
		"PROGRAM-ID. FREE01.\n" +
		"PROCEDURE DIVISION. *> inline comment\n" +
		"DO-WORK.\n" +
		"    READ INPUT-FILE.\n"
	p := &COBOLParser{FreeForm: true}
	doc, err := p.Parse(context.Background(), writeFixture(t, "free.cbl", src))
	require.NoError(t, err)
	assert.Equal(t, "FREE01", doc.Document.Name)
	require.Len(t, doc.Components, 1)
	assert.Equal(t, "DO-WORK", doc.Components[0].Name)
}
