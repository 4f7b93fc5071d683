package parser

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"traceai/internal/ir"
)

func writeWorkbook(t *testing.T) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	_, err := f.NewSheet("Data")
	require.NoError(t, err)
	_, err = f.NewSheet("Summary")
	require.NoError(t, err)

	require.NoError(t, f.SetCellValue("Data", "A1", "id"))
	require.NoError(t, f.SetCellValue("Data", "B1", "amount"))
	require.NoError(t, f.SetCellValue("Data", "A2", 1))
	require.NoError(t, f.SetCellValue("Data", "B2", 250))
	require.NoError(t, f.AddTable("Data", &excelize.Table{
		Range: "A1:B2",
		Name:  "SalesTbl",
	}))

	require.NoError(t, f.SetDefinedName(&excelize.DefinedName{
		Name:     "TaxRate",
		RefersTo: "Data!$D$1",
	}))

	// Cached values alongside formulas, the way desktop Excel saves them.
	require.NoError(t, f.SetCellValue("Summary", "A1", 500))
	require.NoError(t, f.SetCellValue("Summary", "B1", 250))
	require.NoError(t, f.SetCellFormula("Summary", "A1", "Data!B2*2"))
	require.NoError(t, f.SetCellFormula("Summary", "B1", "VLOOKUP(1,SalesTbl[#All],2,FALSE)"))

	path := filepath.Join(t.TempDir(), "book.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestExcelParser_Parse(t *testing.T) {
	p := NewExcelParser()
	path := writeWorkbook(t)

	doc, err := p.Parse(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, ir.DocExcel, doc.Document.Kind)

	t.Run("sheets become components", func(t *testing.T) {
		var names []string
		for _, c := range doc.Components {
			assert.Equal(t, "sheet", c.ComponentType)
			names = append(names, c.Name)
		}
		assert.Contains(t, names, "Data")
		assert.Contains(t, names, "Summary")
	})

	t.Run("named range becomes parameter", func(t *testing.T) {
		require.Len(t, doc.Parameters, 1)
		assert.Equal(t, "TaxRate", doc.Parameters[0].Name)
		assert.Equal(t, "Data!$D$1", doc.Parameters[0].Value)
	})

	t.Run("table becomes entity", func(t *testing.T) {
		require.Len(t, doc.DataEntities, 1)
		assert.Equal(t, "SalesTbl", doc.DataEntities[0].Name)
		assert.Equal(t, "Data", doc.DataEntities[0].Properties["sheet"])
	})

	t.Run("cross-sheet formula becomes CALLS", func(t *testing.T) {
		summary := ir.ComponentID(doc.Document.ID, "Summary")
		data := ir.ComponentID(doc.Document.ID, "Data")
		var calls, reads int
		for _, d := range doc.Dependencies {
			switch d.Kind {
			case ir.DepCalls:
				calls++
				assert.Equal(t, summary, d.FromID)
				assert.Equal(t, data, d.ToID)
			case ir.DepReadsFrom:
				reads++
				assert.Equal(t, summary, d.FromID)
				assert.Equal(t, ir.DataEntityID("", "SalesTbl"), d.ToID)
			}
		}
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, reads)
	})
}

func TestExcelParser_ValidateRejectsNonZip(t *testing.T) {
	p := NewExcelParser()
	assert.False(t, p.Validate(writeFixture(t, "fake.xlsx", "not a zip")))
	assert.True(t, p.Validate(writeWorkbook(t)))
}
