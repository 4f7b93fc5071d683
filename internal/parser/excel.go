package parser

import (
	"bytes"
	"context"
	"fmt"
	"regexp"

	"github.com/xuri/excelize/v2"

	"traceai/internal/fault"
	"traceai/internal/ir"
)

// ExcelParser reads Office Open XML workbooks (.xlsx), formulas only:
// sheets become components, named ranges become parameters, tables
// become data entities, and cross-sheet formula references become CALLS
// edges between sheet components.
type ExcelParser struct{}

func NewExcelParser() *ExcelParser { return &ExcelParser{} }

func (p *ExcelParser) Kind() ir.DocumentKind { return ir.DocExcel }

func (p *ExcelParser) Extensions() []string { return []string{".xlsx"} }

func (p *ExcelParser) Validate(path string) bool {
	// XLSX is a zip container; PK is its magic.
	return bytes.HasPrefix(sniffHead(path, 4), []byte("PK"))
}

var (
	// OtherSheet!A1 or 'Other Sheet'!$A$1 inside a formula.
	sheetRefRe = regexp.MustCompile(`(?:'([^']+)'|([A-Za-z_][A-Za-z0-9_ ]*))!\$?[A-Z]{1,3}\$?\d+`)
	// VLOOKUP/INDEX structured references into a named table.
	tableLookupRe = regexp.MustCompile(`(?i)(?:VLOOKUP|INDEX)\s*\([^)]*?\b([A-Za-z_][A-Za-z0-9_]*)\[`)
)

func (p *ExcelParser) Parse(ctx context.Context, path string) (*ir.ParsedDocument, error) {
	_, doc, err := readSource(ctx, path, ir.DocExcel)
	if err != nil {
		return nil, err
	}

	wb, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.MalformedInput, err, "excel: %s", path)
	}
	defer wb.Close()

	parsed := &ir.ParsedDocument{Document: doc}

	sheets := wb.GetSheetList()
	sheetComp := make(map[string]string, len(sheets))
	for _, sheet := range sheets {
		compID := ir.ComponentID(doc.ID, sheet)
		sheetComp[ir.NormalizeName(sheet)] = compID
		parsed.Components = append(parsed.Components, ir.Component{
			ID:            compID,
			Name:          sheet,
			ComponentType: "sheet",
		})
	}

	for _, dn := range wb.GetDefinedName() {
		parsed.Parameters = append(parsed.Parameters, ir.Parameter{
			ID:       ir.ParameterID(doc.ID, dn.Name),
			Name:     dn.Name,
			DataType: "named_range",
			Value:    dn.RefersTo,
		})
	}

	tableEntity := make(map[string]string)
	for _, sheet := range sheets {
		tables, err := wb.GetTables(sheet)
		if err != nil {
			parsed.Warnings = append(parsed.Warnings,
				fmt.Sprintf("sheet %q: tables unreadable: %v", sheet, err))
			continue
		}
		for _, tbl := range tables {
			entID := ir.DataEntityID("", tbl.Name)
			tableEntity[ir.NormalizeName(tbl.Name)] = entID
			parsed.DataEntities = append(parsed.DataEntities, ir.DataEntity{
				ID:   entID,
				Name: tbl.Name,
				Kind: ir.EntityTable,
				Properties: map[string]string{
					"sheet": sheet,
					"range": tbl.Range,
				},
			})
		}
	}

	for _, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.scanFormulas(wb, sheet, sheetComp, tableEntity, parsed); err != nil {
			parsed.Warnings = append(parsed.Warnings,
				fmt.Sprintf("sheet %q: formulas unreadable: %v", sheet, err))
		}
	}

	return parsed, nil
}

// scanFormulas walks every populated cell of one sheet and links
// cross-sheet references and table lookups.
func (p *ExcelParser) scanFormulas(wb *excelize.File, sheet string, sheetComp, tableEntity map[string]string, parsed *ir.ParsedDocument) error {
	rows, err := wb.GetRows(sheet)
	if err != nil {
		return err
	}
	fromID := sheetComp[ir.NormalizeName(sheet)]
	seenCall := make(map[string]bool)
	seenRead := make(map[string]bool)

	for r := range rows {
		for c := range rows[r] {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				continue
			}
			formula, err := wb.GetCellFormula(sheet, cell)
			if err != nil || formula == "" {
				continue
			}

			for _, m := range sheetRefRe.FindAllStringSubmatch(formula, -1) {
				ref := m[1]
				if ref == "" {
					ref = m[2]
				}
				toID, ok := sheetComp[ir.NormalizeName(ref)]
				if !ok || toID == fromID || seenCall[toID] {
					continue
				}
				seenCall[toID] = true
				parsed.Dependencies = append(parsed.Dependencies, ir.Dependency{
					FromID: fromID, ToID: toID, Kind: ir.DepCalls,
					Properties: map[string]string{"cell": cell},
				})
			}

			for _, m := range tableLookupRe.FindAllStringSubmatch(formula, -1) {
				entID, ok := tableEntity[ir.NormalizeName(m[1])]
				if !ok || seenRead[entID] {
					continue
				}
				seenRead[entID] = true
				parsed.Dependencies = append(parsed.Dependencies, ir.Dependency{
					FromID: fromID, ToID: entID, Kind: ir.DepReadsFrom,
					Properties: map[string]string{"cell": cell},
				})
			}
		}
	}
	return nil
}
