package parser

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"traceai/internal/fault"
	"traceai/internal/ir"
)

// JCLParser reads 80-column JCL batch jobs. Each EXEC step becomes a
// component; DD statements attach dataset reads/writes to the step that
// owns them, and EXEC PGM= produces a deferred CALLS reference resolved
// when the matching COBOL program is ingested.
type JCLParser struct{}

func NewJCLParser() *JCLParser { return &JCLParser{} }

func (p *JCLParser) Kind() ir.DocumentKind { return ir.DocJCL }

func (p *JCLParser) Extensions() []string { return []string{".jcl"} }

func (p *JCLParser) Validate(path string) bool {
	return bytes.HasPrefix(bytes.TrimSpace(sniffHead(path, 256)), []byte("//"))
}

var (
	jobCardRe = regexp.MustCompile(`(?m)^//([A-Z0-9#@$]+)\s+JOB\b`)
	execRe    = regexp.MustCompile(`(?m)^//([A-Z0-9#@$]+)\s+EXEC\s+(?:PGM=([A-Z0-9#@$]+)|PROC=([A-Z0-9#@$]+)|([A-Z0-9#@$]+))`)
	ddRe      = regexp.MustCompile(`(?m)^//([A-Z0-9#@$.]+)\s+DD\s+(.*)$`)
	dsnRe     = regexp.MustCompile(`DSN=([A-Z0-9.&()#@$]+)`)
	dispRe    = regexp.MustCompile(`DISP=\(?([A-Z]+)`)
	setRe     = regexp.MustCompile(`(?m)^//\s+SET\s+([A-Z0-9#@$]+)=([^,\s]+)`)
)

func (p *JCLParser) Parse(ctx context.Context, path string) (*ir.ParsedDocument, error) {
	data, doc, err := readSource(ctx, path, ir.DocJCL)
	if err != nil {
		return nil, err
	}

	// 80-column decks: anything past column 72 is sequence numbering.
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) > 72 {
			line = line[:72]
		}
		if strings.HasPrefix(line, "//*") {
			continue
		}
		lines = append(lines, line)
	}
	content := strings.Join(lines, "\n")

	jobMatch := jobCardRe.FindStringSubmatch(content)
	if jobMatch == nil {
		return nil, fault.New(fault.MalformedInput, "jcl: %s: no JOB card", path)
	}
	doc.Name = jobMatch[1]
	doc.Description = "JCL batch job " + doc.Name

	parsed := &ir.ParsedDocument{Document: doc}

	for _, m := range setRe.FindAllStringSubmatch(content, -1) {
		parsed.Parameters = append(parsed.Parameters, ir.Parameter{
			ID:       ir.ParameterID(doc.ID, m[1]),
			Name:     m[1],
			DataType: "symbolic",
			Value:    m[2],
		})
	}

	type step struct {
		compID string
		start  int
		end    int
	}
	execLocs := execRe.FindAllStringSubmatchIndex(content, -1)
	var steps []step
	var prevID string
	for i, loc := range execLocs {
		name := content[loc[2]:loc[3]]
		compID := ir.ComponentID(doc.ID, name)
		comp := ir.Component{
			ID:            compID,
			Name:          name,
			ComponentType: "step",
		}
		props := map[string]string{}
		if loc[4] >= 0 { // PGM=
			pgm := content[loc[4]:loc[5]]
			props["program"] = pgm
			comp.Description = "EXEC PGM=" + pgm
			parsed.Dependencies = append(parsed.Dependencies, ir.Dependency{
				FromID: compID,
				ToID:   ir.DeferredDocumentRef(pgm),
				Kind:   ir.DepCalls,
				Properties: map[string]string{
					"program": pgm,
				},
			})
		} else if loc[6] >= 0 { // PROC=
			props["proc"] = content[loc[6]:loc[7]]
			comp.Description = "EXEC PROC=" + props["proc"]
		} else if loc[8] >= 0 { // bare EXEC name, implicit proc
			props["proc"] = content[loc[8]:loc[9]]
			comp.Description = "EXEC " + props["proc"]
		}
		comp.Properties = props
		parsed.Components = append(parsed.Components, comp)

		end := len(content)
		if i+1 < len(execLocs) {
			end = execLocs[i+1][0]
		}
		steps = append(steps, step{compID: compID, start: loc[0], end: end})

		// Step order induces execution precedence.
		if prevID != "" {
			parsed.Dependencies = append(parsed.Dependencies, ir.Dependency{
				FromID: prevID, ToID: compID, Kind: ir.DepPrecedes,
			})
		}
		prevID = compID
	}

	if len(steps) == 0 {
		parsed.Warnings = append(parsed.Warnings, doc.Name+": job has no EXEC steps")
	}

	seenDS := make(map[string]bool)
	for _, st := range steps {
		section := content[st.start:st.end]
		for _, dd := range ddRe.FindAllStringSubmatch(section, -1) {
			params := dd[2]
			dsnMatch := dsnRe.FindStringSubmatch(params)
			if dsnMatch == nil {
				continue
			}
			dsn := dsnMatch[1]
			srcID := ir.DataSourceID(ir.SourceDataset, dsn)
			if !seenDS[srcID] {
				seenDS[srcID] = true
				parsed.DataSources = append(parsed.DataSources, ir.DataSource{
					ID:      srcID,
					Name:    dsn,
					Kind:    ir.SourceDataset,
					Locator: dsn,
					Properties: map[string]string{
						"dd_name": dd[1],
					},
				})
			}
			kind := ir.DepReadsFrom
			if m := dispRe.FindStringSubmatch(params); m != nil {
				switch m[1] {
				case "NEW", "MOD":
					kind = ir.DepWritesTo
				}
			}
			// DISP=(,CATLG...) has an empty status field: a created dataset.
			if strings.Contains(params, "DISP=(,") {
				kind = ir.DepWritesTo
			}
			parsed.Dependencies = append(parsed.Dependencies, ir.Dependency{
				FromID: st.compID, ToID: srcID, Kind: kind,
				Properties: map[string]string{"dd_name": dd[1]},
			})
		}
	}

	return parsed, nil
}
