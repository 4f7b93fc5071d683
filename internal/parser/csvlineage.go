package parser

import (
	"context"
	"encoding/csv"
	"fmt"
	"strings"

	"traceai/internal/fault"
	"traceai/internal/ir"
)

// CSVLineageParser reads hand-maintained lineage maps. The header row
// selects the mapping shape: (source,target), (source_field,
// target_field), or (source_table,target_table,transformation_logic).
// Each row becomes a mapping component reading the source entity and
// writing the target entity, so lineage traversal stays uniform with
// the other formats.
type CSVLineageParser struct{}

func NewCSVLineageParser() *CSVLineageParser { return &CSVLineageParser{} }

func (p *CSVLineageParser) Kind() ir.DocumentKind { return ir.DocCSVLineage }

func (p *CSVLineageParser) Extensions() []string { return []string{".csv"} }

func (p *CSVLineageParser) Validate(path string) bool {
	head := strings.ToLower(string(sniffHead(path, 512)))
	return strings.Contains(head, "source") && strings.Contains(head, "target")
}

type csvShape struct {
	sourceCol int
	targetCol int
	logicCol  int
	fieldWise bool
}

func (p *CSVLineageParser) Parse(ctx context.Context, path string) (*ir.ParsedDocument, error) {
	data, doc, err := readSource(ctx, path, ir.DocCSVLineage)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.Comma = sniffDelimiter(string(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fault.Wrap(fault.MalformedInput, err, "csv: %s", path)
	}
	if len(records) < 1 {
		return nil, fault.New(fault.MalformedInput, "csv: %s: empty file", path)
	}

	shape, err := detectShape(records[0])
	if err != nil {
		return nil, fault.Wrap(fault.MalformedInput, err, "csv: %s", path)
	}

	doc.Description = "CSV lineage map"
	parsed := &ir.ParsedDocument{Document: doc}

	entities := make(map[string]bool)
	ensureEntity := func(qualified string) string {
		schema, name := ir.SplitQualifiedTable(qualified)
		kind := ir.EntityTable
		if shape.fieldWise {
			kind = ir.EntityRange
		}
		id := ir.DataEntityID(schema, name)
		if !entities[id] {
			entities[id] = true
			parsed.DataEntities = append(parsed.DataEntities, ir.DataEntity{
				ID:     id,
				Name:   name,
				Kind:   kind,
				Schema: schema,
			})
		}
		return id
	}

	for i, row := range records[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if shape.sourceCol >= len(row) || shape.targetCol >= len(row) {
			parsed.Warnings = append(parsed.Warnings, fmt.Sprintf("row %d: too few columns", i+2))
			continue
		}
		source := strings.TrimSpace(row[shape.sourceCol])
		target := strings.TrimSpace(row[shape.targetCol])
		if source == "" || target == "" {
			parsed.Warnings = append(parsed.Warnings, fmt.Sprintf("row %d: empty source or target", i+2))
			continue
		}

		compName := fmt.Sprintf("map_%d", i+1)
		compID := ir.ComponentID(doc.ID, compName)
		comp := ir.Component{
			ID:            compID,
			Name:          compName,
			ComponentType: "mapping",
			Description:   source + " -> " + target,
		}
		if shape.logicCol >= 0 && shape.logicCol < len(row) {
			comp.SourceExcerpt = excerpt(row[shape.logicCol], 500)
		}
		parsed.Components = append(parsed.Components, comp)

		parsed.Dependencies = append(parsed.Dependencies,
			ir.Dependency{FromID: compID, ToID: ensureEntity(source), Kind: ir.DepReadsFrom},
			ir.Dependency{FromID: compID, ToID: ensureEntity(target), Kind: ir.DepWritesTo},
		)
	}

	return parsed, nil
}

// detectShape matches the header against the supported mapping layouts.
func detectShape(header []string) (csvShape, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[ir.NormalizeName(h)] = i
	}
	find := func(names ...string) int {
		for _, n := range names {
			if i, ok := cols[n]; ok {
				return i
			}
		}
		return -1
	}

	shape := csvShape{
		sourceCol: find("source_table", "source", "from_table"),
		targetCol: find("target_table", "target", "to_table"),
		logicCol:  find("transformation_logic", "transformation", "logic"),
	}
	if shape.sourceCol < 0 || shape.targetCol < 0 {
		shape.sourceCol = find("source_field")
		shape.targetCol = find("target_field")
		shape.fieldWise = shape.sourceCol >= 0 && shape.targetCol >= 0
	}
	if shape.sourceCol < 0 || shape.targetCol < 0 {
		return shape, fmt.Errorf("header %v is not a recognized lineage layout", header)
	}
	return shape, nil
}

// sniffDelimiter picks the most frequent candidate in the header line.
func sniffDelimiter(content string) rune {
	line := content
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		line = content[:i]
	}
	best, bestCount := ',', strings.Count(line, ",")
	for _, cand := range []rune{';', '\t'} {
		if n := strings.Count(line, string(cand)); n > bestCount {
			best, bestCount = cand, n
		}
	}
	return best
}
