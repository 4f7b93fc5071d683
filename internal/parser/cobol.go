package parser

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"traceai/internal/fault"
	"traceai/internal/ir"
)

// COBOLParser reads COBOL programs (.cbl/.cob). Fixed-form layout is
// the default: columns 7-72 are significant and column 7 flags comments.
// Free-form sources are accepted behind the FreeForm flag.
type COBOLParser struct {
	// FreeForm disables the fixed-column trim for sources written in
	// free format.
	FreeForm bool
}

func NewCOBOLParser() *COBOLParser { return &COBOLParser{} }

func (p *COBOLParser) Kind() ir.DocumentKind { return ir.DocCOBOL }

func (p *COBOLParser) Extensions() []string { return []string{".cbl", ".cob"} }

func (p *COBOLParser) Validate(path string) bool {
	head := bytes.ToUpper(sniffHead(path, 2048))
	return bytes.Contains(head, []byte("IDENTIFICATION DIVISION")) ||
		bytes.Contains(head, []byte("PROGRAM-ID"))
}

var (
	programIDRe = regexp.MustCompile(`(?i)PROGRAM-ID\.\s+([A-Z0-9][A-Z0-9\-]*)`)
	authorRe    = regexp.MustCompile(`(?i)AUTHOR\.\s+([^\n.]+)`)
	selectRe    = regexp.MustCompile(`(?i)SELECT\s+([A-Z0-9\-]+)\s+ASSIGN\s+TO\s+['"]?([^'"\s.]+)`)
	level01Re   = regexp.MustCompile(`(?im)^\s*01\s+([A-Z0-9\-]+)\s*\.?\s*$`)
	picFieldRe  = regexp.MustCompile(`(?im)^\s*(\d\d)\s+([A-Z0-9\-]+)\s+PIC\s+[SXV9\(\)\.\+\-]+`)
	paragraphRe = regexp.MustCompile(`(?im)^\s*([A-Z][A-Z0-9\-]*)\s*\.\s*$`)
	performRe   = regexp.MustCompile(`(?i)\bPERFORM\s+([A-Z0-9\-]+)`)
	callRe      = regexp.MustCompile(`(?i)\bCALL\s+['"]([^'"]+)['"]`)
	readRe      = regexp.MustCompile(`(?i)\bREAD\s+([A-Z0-9\-]+)`)
	writeRe     = regexp.MustCompile(`(?i)\b(WRITE|REWRITE)\s+([A-Z0-9\-]+)`)
	fileDelRe   = regexp.MustCompile(`(?i)\bDELETE\s+([A-Z0-9\-]+)\s+RECORD`)
	execSQLRe   = regexp.MustCompile(`(?is)EXEC\s+SQL\s+(.*?)\s+END-EXEC`)
)

// cobolVerbs are statement keywords that would otherwise match the
// paragraph-label pattern when they end a sentence on their own line.
var cobolVerbs = map[string]bool{
	"STOP": true, "EXIT": true, "GOBACK": true, "CONTINUE": true,
	"END-IF": true, "END-PERFORM": true, "END-READ": true, "END-EVALUATE": true,
	"END-EXEC": true,
}

func (p *COBOLParser) Parse(ctx context.Context, path string) (*ir.ParsedDocument, error) {
	data, doc, err := readSource(ctx, path, ir.DocCOBOL)
	if err != nil {
		return nil, err
	}

	text := p.normalize(string(data))
	if !strings.Contains(strings.ToUpper(text), "DIVISION") {
		return nil, fault.New(fault.MalformedInput, "cobol: %s: no division headers found", path)
	}

	if m := programIDRe.FindStringSubmatch(text); m != nil {
		doc.Name = m[1]
	}
	doc.Description = "COBOL program " + doc.Name
	if m := authorRe.FindStringSubmatch(text); m != nil {
		doc.Custom = map[string]string{"author": strings.TrimSpace(m[1])}
	}

	parsed := &ir.ParsedDocument{Document: doc}

	fileByName := p.collectFiles(text, parsed)
	p.collectRecords(text, parsed)
	p.collectParagraphs(text, parsed, fileByName)

	return parsed, nil
}

// normalize strips sequence numbers and comment lines. Fixed-form keeps
// columns 7-72 only; an asterisk or slash in column 7 comments the line.
func (p *COBOLParser) normalize(src string) string {
	var sb strings.Builder
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimRight(line, "\r")
		if p.FreeForm {
			if i := strings.Index(line, "*>"); i >= 0 {
				line = line[:i]
			}
			sb.WriteString(line)
			sb.WriteString("\n")
			continue
		}
		if len(line) < 7 {
			sb.WriteString("\n")
			continue
		}
		switch line[6] {
		case '*', '/':
			sb.WriteString("\n")
			continue
		}
		end := len(line)
		if end > 72 {
			end = 72
		}
		sb.WriteString(line[7:end])
		sb.WriteString("\n")
	}
	return sb.String()
}

// collectFiles extracts FILE-CONTROL SELECT clauses as file sources.
func (p *COBOLParser) collectFiles(text string, parsed *ir.ParsedDocument) map[string]string {
	fileByName := make(map[string]string) // logical file name -> source id
	section := text
	if m := regexp.MustCompile(`(?is)FILE-CONTROL\.(.*?)(?:DATA\s+DIVISION|$)`).FindStringSubmatch(text); m != nil {
		section = m[1]
	}
	for _, m := range selectRe.FindAllStringSubmatch(section, -1) {
		logical, assigned := m[1], m[2]
		id := ir.DataSourceID(ir.SourceFile, logical)
		if _, dup := fileByName[strings.ToUpper(logical)]; dup {
			continue
		}
		fileByName[strings.ToUpper(logical)] = id
		parsed.DataSources = append(parsed.DataSources, ir.DataSource{
			ID:      id,
			Name:    logical,
			Kind:    ir.SourceFile,
			Locator: logical,
			Properties: map[string]string{
				"assigned_to": assigned,
			},
		})
	}
	return fileByName
}

// collectRecords extracts WORKING-STORAGE 01-level entries as records
// with their PIC fields as columns.
func (p *COBOLParser) collectRecords(text string, parsed *ir.ParsedDocument) {
	ws := ""
	if m := regexp.MustCompile(`(?is)WORKING-STORAGE\s+SECTION\.(.*?)(?:PROCEDURE\s+DIVISION|$)`).FindStringSubmatch(text); m != nil {
		ws = m[1]
	}
	if ws == "" {
		return
	}
	records := level01Re.FindAllStringSubmatchIndex(ws, -1)
	for i, loc := range records {
		name := ws[loc[2]:loc[3]]
		end := len(ws)
		if i+1 < len(records) {
			end = records[i+1][0]
		}
		body := ws[loc[1]:end]
		var columns []string
		for _, f := range picFieldRe.FindAllStringSubmatch(body, -1) {
			columns = append(columns, f[2])
		}
		parsed.DataEntities = append(parsed.DataEntities, ir.DataEntity{
			ID:      ir.DataEntityID("", name),
			Name:    name,
			Kind:    ir.EntityRecord,
			Columns: columns,
		})
	}
}

// collectParagraphs extracts procedure-division paragraphs as components
// and their PERFORM/CALL/file-IO statements as dependencies.
func (p *COBOLParser) collectParagraphs(text string, parsed *ir.ParsedDocument, fileByName map[string]string) {
	proc := ""
	if m := regexp.MustCompile(`(?is)PROCEDURE\s+DIVISION[^\n]*\.(.*)$`).FindStringSubmatch(text); m != nil {
		proc = m[1]
	}
	if proc == "" {
		return
	}

	// Verb lines such as END-EXEC. are not paragraph boundaries; drop them
	// before slicing bodies so a paragraph keeps its whole EXEC SQL block.
	var labels [][]int
	for _, loc := range paragraphRe.FindAllStringSubmatchIndex(proc, -1) {
		if !cobolVerbs[strings.ToUpper(proc[loc[2]:loc[3]])] {
			labels = append(labels, loc)
		}
	}
	type para struct {
		name string
		body string
	}
	var paras []para
	for i, loc := range labels {
		name := strings.ToUpper(proc[loc[2]:loc[3]])
		end := len(proc)
		if i+1 < len(labels) {
			end = labels[i+1][0]
		}
		paras = append(paras, para{name: name, body: proc[loc[1]:end]})
	}

	known := make(map[string]string, len(paras))
	for _, pa := range paras {
		id := ir.ComponentID(parsed.Document.ID, pa.name)
		known[pa.name] = id
		parsed.Components = append(parsed.Components, ir.Component{
			ID:            id,
			Name:          pa.name,
			ComponentType: "paragraph",
			SourceExcerpt: excerpt(pa.body, 500),
		})
	}

	// ensureFile registers sources referenced by READ/WRITE that never
	// appeared in FILE-CONTROL, so lineage still sees them.
	ensureFile := func(name string) string {
		key := strings.ToUpper(name)
		if id, ok := fileByName[key]; ok {
			return id
		}
		id := ir.DataSourceID(ir.SourceFile, name)
		fileByName[key] = id
		parsed.DataSources = append(parsed.DataSources, ir.DataSource{
			ID:      id,
			Name:    strings.ToUpper(name),
			Kind:    ir.SourceFile,
			Locator: name,
		})
		return id
	}

	for _, pa := range paras {
		fromID := known[pa.name]

		for _, m := range performRe.FindAllStringSubmatch(pa.body, -1) {
			target := strings.ToUpper(m[1])
			if toID, ok := known[target]; ok && toID != fromID {
				parsed.Dependencies = append(parsed.Dependencies, ir.Dependency{
					FromID: fromID, ToID: toID, Kind: ir.DepCalls,
					Properties: map[string]string{"statement": "PERFORM"},
				})
			}
		}

		for _, m := range callRe.FindAllStringSubmatch(pa.body, -1) {
			parsed.Dependencies = append(parsed.Dependencies, ir.Dependency{
				FromID: fromID,
				ToID:   ir.DeferredDocumentRef(m[1]),
				Kind:   ir.DepCalls,
				Properties: map[string]string{
					"statement": "CALL",
					"program":   strings.ToUpper(m[1]),
				},
			})
		}

		for _, m := range readRe.FindAllStringSubmatch(pa.body, -1) {
			parsed.Dependencies = append(parsed.Dependencies, ir.Dependency{
				FromID: fromID, ToID: ensureFile(m[1]), Kind: ir.DepReadsFrom,
			})
		}
		for _, m := range writeRe.FindAllStringSubmatch(pa.body, -1) {
			parsed.Dependencies = append(parsed.Dependencies, ir.Dependency{
				FromID: fromID, ToID: ensureFile(m[2]), Kind: ir.DepWritesTo,
			})
		}
		for _, m := range fileDelRe.FindAllStringSubmatch(pa.body, -1) {
			parsed.Dependencies = append(parsed.Dependencies, ir.Dependency{
				FromID: fromID, ToID: ensureFile(m[1]), Kind: ir.DepWritesTo,
				Properties: map[string]string{"statement": "DELETE"},
			})
		}

		for _, m := range execSQLRe.FindAllStringSubmatch(pa.body, -1) {
			reads, writes := ScanSQL(m[1])
			linkSQLRefs(parsed, fromID, reads, writes)
		}
	}

	if len(paras) == 0 {
		parsed.Warnings = append(parsed.Warnings,
			fmt.Sprintf("%s: procedure division has no paragraphs", parsed.Document.Name))
	}
}
