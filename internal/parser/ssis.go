package parser

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"traceai/internal/fault"
	"traceai/internal/ir"
)

// SSISParser reads SQL Server Integration Services packages (.dtsx).
// The reader is tolerant of the 2012/2016/2019 dialects: it walks the
// XML tree by local element name and ignores anything it does not know.
type SSISParser struct{}

func NewSSISParser() *SSISParser { return &SSISParser{} }

func (p *SSISParser) Kind() ir.DocumentKind { return ir.DocSSIS }

func (p *SSISParser) Extensions() []string { return []string{".dtsx"} }

func (p *SSISParser) Validate(path string) bool {
	head := sniffHead(path, 512)
	return bytes.Contains(head, []byte("<?xml")) || bytes.Contains(head, []byte("Executable"))
}

// xmlNode is a schema-free XML tree; dtsx namespaces vary by SSIS
// version so all lookups go by local name.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []xmlNode  `xml:",any"`
	Text     string     `xml:",chardata"`
}

func (n *xmlNode) attr(local string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func (n *xmlNode) childrenNamed(local string) []*xmlNode {
	var out []*xmlNode
	for i := range n.Children {
		if n.Children[i].XMLName.Local == local {
			out = append(out, &n.Children[i])
		}
	}
	return out
}

// walk visits every node in document order.
func (n *xmlNode) walk(visit func(*xmlNode)) {
	visit(n)
	for i := range n.Children {
		n.Children[i].walk(visit)
	}
}

func (p *SSISParser) Parse(ctx context.Context, path string) (*ir.ParsedDocument, error) {
	data, doc, err := readSource(ctx, path, ir.DocSSIS)
	if err != nil {
		return nil, err
	}

	var root xmlNode
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fault.Wrap(fault.MalformedInput, err, "ssis: %s", path)
	}
	if root.XMLName.Local != "Executable" {
		return nil, fault.New(fault.MalformedInput, "ssis: %s: root element %q is not a package", path, root.XMLName.Local)
	}

	if name := root.attr("ObjectName"); name != "" {
		doc.Name = name
	}
	doc.Custom = map[string]string{}
	if id := root.attr("DTSID"); id != "" {
		doc.Custom["dtsid"] = id
	}
	if v := root.attr("VersionMajor"); v != "" {
		doc.Custom["version_major"] = v
	}
	if creator := root.attr("CreatorName"); creator != "" {
		doc.Custom["creator"] = creator
	}

	parsed := &ir.ParsedDocument{Document: doc}

	p.collectConnections(&root, parsed)
	p.collectVariables(&root, parsed)
	taskByRef := p.collectTasks(&root, parsed)
	p.collectPrecedence(&root, parsed, taskByRef)

	return parsed, nil
}

func (p *SSISParser) collectConnections(root *xmlNode, parsed *ir.ParsedDocument) {
	root.walk(func(n *xmlNode) {
		if n.XMLName.Local != "ConnectionManager" || n.attr("ObjectName") == "" {
			return
		}
		name := n.attr("ObjectName")
		connStr := ""
		n.walk(func(d *xmlNode) {
			if cs := d.attr("ConnectionString"); cs != "" && connStr == "" {
				connStr = cs
			}
		})
		if connStr == "" {
			connStr = name
		}
		kind := classifyConnection(n.attr("CreationName"), connStr)
		parsed.DataSources = append(parsed.DataSources, ir.DataSource{
			ID:      ir.DataSourceID(kind, connStr),
			Name:    name,
			Kind:    kind,
			Locator: connStr,
			Properties: map[string]string{
				"creation_name": n.attr("CreationName"),
			},
		})
	})
}

func classifyConnection(creationName, connStr string) ir.SourceKind {
	c := strings.ToUpper(creationName)
	s := strings.ToLower(connStr)
	switch {
	case strings.Contains(c, "FTP") || strings.HasPrefix(s, "ftp:"):
		return ir.SourceFTP
	case strings.Contains(c, "HTTP") || strings.HasPrefix(s, "http"):
		return ir.SourceHTTP
	case strings.Contains(c, "OLEDB") || strings.Contains(c, "ADO") || strings.Contains(c, "ODBC"),
		strings.Contains(s, "provider=") || strings.Contains(s, "data source=") || strings.Contains(s, "server="):
		return ir.SourceDB
	case strings.Contains(c, "FILE") || strings.Contains(s, "/") || strings.Contains(s, "\\"):
		return ir.SourceFile
	default:
		return ir.SourceUnknown
	}
}

func (p *SSISParser) collectVariables(root *xmlNode, parsed *ir.ParsedDocument) {
	root.walk(func(n *xmlNode) {
		if n.XMLName.Local != "Variable" {
			return
		}
		name := n.attr("ObjectName")
		if name == "" {
			return
		}
		ns := n.attr("Namespace")
		if ns == "" {
			ns = "User"
		}
		value := ""
		for _, c := range n.childrenNamed("VariableValue") {
			value = strings.TrimSpace(c.Text)
		}
		parsed.Parameters = append(parsed.Parameters, ir.Parameter{
			ID:       ir.ParameterID(parsed.Document.ID, ns+"::"+name),
			Name:     ns + "::" + name,
			DataType: n.attr("DataType"),
			Value:    value,
		})
	})
}

// collectTasks extracts child executables as components. SQL inside a
// task is regex-scanned for lineage; a failure inside one task marks
// that component parse_partial and the document still parses.
func (p *SSISParser) collectTasks(root *xmlNode, parsed *ir.ParsedDocument) map[string]string {
	taskByRef := make(map[string]string) // DTSID / refId / name -> component id
	root.walk(func(n *xmlNode) {
		if n.XMLName.Local != "Executable" || n == root {
			return
		}
		name := n.attr("ObjectName")
		if name == "" {
			return
		}
		compID := ir.ComponentID(parsed.Document.ID, name)
		execType := n.attr("ExecutableType")
		subtype := execType
		if i := strings.LastIndex(execType, "."); i >= 0 {
			subtype = execType[i+1:]
		}
		comp := ir.Component{
			ID:            compID,
			Name:          name,
			ComponentType: "DtsExecutable:" + subtype,
			Description:   n.attr("Description"),
		}

		sqlText := extractTaskSQL(n)
		if sqlText != "" {
			comp.SourceExcerpt = excerpt(sqlText, 500)
			reads, writes := ScanSQL(sqlText)
			if len(reads)+len(writes) == 0 && looksLikeSQL(sqlText) {
				comp.Properties = map[string]string{"parse_partial": "true"}
				parsed.Warnings = append(parsed.Warnings,
					fmt.Sprintf("task %q: no tables extracted from SQL", name))
			}
			linkSQLRefs(parsed, compID, reads, writes)
		}

		parsed.Components = append(parsed.Components, comp)
		if id := n.attr("DTSID"); id != "" {
			taskByRef[id] = compID
		}
		if ref := n.attr("refId"); ref != "" {
			taskByRef[ref] = compID
		}
		taskByRef[name] = compID
		taskByRef["Package\\"+name] = compID
	})
	return taskByRef
}

// extractTaskSQL finds the first SqlStatementSource attribute or
// SqlStatementSource element under a task.
func extractTaskSQL(task *xmlNode) string {
	sql := ""
	task.walk(func(n *xmlNode) {
		if sql != "" {
			return
		}
		if v := n.attr("SqlStatementSource"); v != "" {
			sql = v
			return
		}
		if n.XMLName.Local == "SqlStatementSource" && strings.TrimSpace(n.Text) != "" {
			sql = strings.TrimSpace(n.Text)
		}
	})
	return sql
}

// linkSQLRefs appends interned entities and read/write edges for SQL
// table references.
func linkSQLRefs(parsed *ir.ParsedDocument, compID string, reads, writes []TableRef) {
	seen := make(map[string]bool)
	for _, e := range parsed.DataEntities {
		seen[e.ID] = true
	}
	add := func(ref TableRef) string {
		ent := sqlEntity(ref)
		if !seen[ent.ID] {
			seen[ent.ID] = true
			parsed.DataEntities = append(parsed.DataEntities, ent)
		}
		return ent.ID
	}
	for _, r := range reads {
		parsed.Dependencies = append(parsed.Dependencies, ir.Dependency{
			FromID: compID, ToID: add(r), Kind: ir.DepReadsFrom,
		})
	}
	for _, w := range writes {
		parsed.Dependencies = append(parsed.Dependencies, ir.Dependency{
			FromID: compID, ToID: add(w), Kind: ir.DepWritesTo,
		})
	}
}

// collectPrecedence turns precedence constraints into PRECEDES edges.
// Expressions are recorded, never evaluated.
func (p *SSISParser) collectPrecedence(root *xmlNode, parsed *ir.ParsedDocument, taskByRef map[string]string) {
	resolve := func(ref string) string {
		if id, ok := taskByRef[ref]; ok {
			return id
		}
		// refIds look like "Package\Sequence\Task"; fall back to the leaf.
		if i := strings.LastIndex(ref, "\\"); i >= 0 {
			if id, ok := taskByRef[ref[i+1:]]; ok {
				return id
			}
		}
		return ""
	}
	root.walk(func(n *xmlNode) {
		if n.XMLName.Local != "PrecedenceConstraint" {
			return
		}
		from := resolve(n.attr("From"))
		to := resolve(n.attr("To"))
		if from == "" || to == "" {
			parsed.Warnings = append(parsed.Warnings,
				fmt.Sprintf("precedence constraint %q -> %q references unknown tasks", n.attr("From"), n.attr("To")))
			return
		}
		props := map[string]string{}
		if v := n.attr("Value"); v != "" {
			props["constraint_value"] = v
		}
		if e := n.attr("Expression"); e != "" {
			props["expression"] = e
		}
		parsed.Dependencies = append(parsed.Dependencies, ir.Dependency{
			FromID: from, ToID: to, Kind: ir.DepPrecedes, Properties: props,
		})
	})
}
