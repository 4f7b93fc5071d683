package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"traceai/internal/fault"
	"traceai/internal/ir"
)

// JSONParser reads pipeline configuration files. It is schema-agnostic:
// a walker classifies objects by shape instead of requiring one layout.
// A map carrying name+depends_on is a job; a map carrying source+target
// is a transform; top-level parameters/variables become Parameters.
type JSONParser struct{}

func NewJSONParser() *JSONParser { return &JSONParser{} }

func (p *JSONParser) Kind() ir.DocumentKind { return ir.DocJSONConfig }

func (p *JSONParser) Extensions() []string { return []string{".json"} }

func (p *JSONParser) Validate(path string) bool {
	head := bytes.TrimSpace(sniffHead(path, 64))
	return len(head) > 0 && (head[0] == '{' || head[0] == '[')
}

func (p *JSONParser) Parse(ctx context.Context, path string) (*ir.ParsedDocument, error) {
	data, doc, err := readSource(ctx, path, ir.DocJSONConfig)
	if err != nil {
		return nil, err
	}

	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fault.Wrap(fault.MalformedInput, err, "json: %s", path)
	}

	if top, ok := root.(map[string]any); ok {
		if name, ok := top["name"].(string); ok && name != "" {
			doc.Name = name
		}
		if desc, ok := top["description"].(string); ok {
			doc.Description = desc
		}
	}

	parsed := &ir.ParsedDocument{Document: doc}
	w := &jsonWalker{parsed: parsed}
	w.walk(root, "$")
	w.linkDependsOn()

	if top, ok := root.(map[string]any); ok {
		p.collectParameters(top, parsed)
		p.retainUnknownShape(top, parsed, w)
	}
	return parsed, nil
}

type jsonWalker struct {
	parsed *ir.ParsedDocument
	// compByName resolves depends_on values after all jobs are known.
	compByName map[string]string
	pending    []pendingDep
	transforms int
	claimed    map[string]bool
}

type pendingDep struct {
	fromID string
	onName string
}

func (w *jsonWalker) walk(node any, path string) {
	switch v := node.(type) {
	case map[string]any:
		if w.classify(v, path) {
			return
		}
		for _, key := range sortedKeys(v) {
			w.walk(v[key], path+"."+key)
		}
	case []any:
		for i, item := range v {
			w.walk(item, fmt.Sprintf("%s[%d]", path, i))
		}
	}
}

// classify turns a recognized object shape into IR and reports whether
// the subtree was consumed.
func (w *jsonWalker) classify(obj map[string]any, path string) bool {
	name, hasName := obj["name"].(string)
	_, hasDeps := obj["depends_on"]
	source, hasSource := obj["source"].(string)
	target, hasTarget := obj["target"].(string)

	switch {
	case hasName && hasDeps:
		w.addJob(obj, name, path)
		return true
	case hasSource && hasTarget:
		w.addTransform(obj, source, target, path)
		return true
	}
	return false
}

func (w *jsonWalker) addJob(obj map[string]any, name, path string) {
	if w.compByName == nil {
		w.compByName = make(map[string]string)
	}
	compID := ir.ComponentID(w.parsed.Document.ID, name)
	comp := ir.Component{
		ID:            compID,
		Name:          name,
		ComponentType: "job",
	}
	if d, ok := obj["description"].(string); ok {
		comp.Description = d
	}
	if t, ok := obj["type"].(string); ok {
		comp.Properties = map[string]string{"job_type": t}
	}
	w.parsed.Components = append(w.parsed.Components, comp)
	w.compByName[ir.NormalizeName(name)] = compID
	w.claim(path)

	switch deps := obj["depends_on"].(type) {
	case []any:
		for _, d := range deps {
			if s, ok := d.(string); ok {
				w.pending = append(w.pending, pendingDep{fromID: compID, onName: s})
			}
		}
	case string:
		w.pending = append(w.pending, pendingDep{fromID: compID, onName: deps})
	}

	// A job may also carry an inline source/target pair.
	if s, ok := obj["source"].(string); ok {
		w.linkEntity(compID, s, ir.DepReadsFrom)
	}
	if t, ok := obj["target"].(string); ok {
		w.linkEntity(compID, t, ir.DepWritesTo)
	}
	if sql, ok := obj["query"].(string); ok {
		reads, writes := ScanSQL(sql)
		linkSQLRefs(w.parsed, compID, reads, writes)
	}
}

func (w *jsonWalker) addTransform(obj map[string]any, source, target, path string) {
	w.transforms++
	name, _ := obj["name"].(string)
	if name == "" {
		name = fmt.Sprintf("transform_%d", w.transforms)
	}
	compID := ir.ComponentID(w.parsed.Document.ID, name)
	comp := ir.Component{
		ID:            compID,
		Name:          name,
		ComponentType: "transform",
	}
	if logic, ok := obj["transformation"].(string); ok {
		comp.Description = logic
	}
	w.parsed.Components = append(w.parsed.Components, comp)
	w.claim(path)
	w.linkEntity(compID, source, ir.DepReadsFrom)
	w.linkEntity(compID, target, ir.DepWritesTo)
}

func (w *jsonWalker) linkEntity(compID, qualified string, kind ir.DependencyKind) {
	schema, name := ir.SplitQualifiedTable(qualified)
	entID := ir.DataEntityID(schema, name)
	exists := false
	for _, e := range w.parsed.DataEntities {
		if e.ID == entID {
			exists = true
			break
		}
	}
	if !exists {
		w.parsed.DataEntities = append(w.parsed.DataEntities, ir.DataEntity{
			ID:     entID,
			Name:   name,
			Kind:   ir.EntityTable,
			Schema: schema,
		})
	}
	w.parsed.Dependencies = append(w.parsed.Dependencies, ir.Dependency{
		FromID: compID, ToID: entID, Kind: kind,
	})
}

func (w *jsonWalker) linkDependsOn() {
	for _, p := range w.pending {
		onID, ok := w.compByName[ir.NormalizeName(p.onName)]
		if !ok {
			w.parsed.Warnings = append(w.parsed.Warnings,
				fmt.Sprintf("depends_on %q matches no job", p.onName))
			continue
		}
		// depends_on means the named job runs first.
		w.parsed.Dependencies = append(w.parsed.Dependencies, ir.Dependency{
			FromID: onID, ToID: p.fromID, Kind: ir.DepPrecedes,
		})
	}
}

func (w *jsonWalker) claim(path string) {
	if w.claimed == nil {
		w.claimed = make(map[string]bool)
	}
	// Mark the top-level key so unknown-shape retention skips it.
	parts := strings.SplitN(strings.TrimPrefix(path, "$."), ".", 2)
	if len(parts) > 0 {
		key := parts[0]
		if i := strings.Index(key, "["); i >= 0 {
			key = key[:i]
		}
		w.claimed[key] = true
	}
}

func (p *JSONParser) collectParameters(top map[string]any, parsed *ir.ParsedDocument) {
	for _, key := range []string{"parameters", "variables"} {
		switch params := top[key].(type) {
		case map[string]any:
			for _, name := range sortedKeys(params) {
				parsed.Parameters = append(parsed.Parameters, ir.Parameter{
					ID:       ir.ParameterID(parsed.Document.ID, name),
					Name:     name,
					DataType: jsonTypeName(params[name]),
					Value:    stringifyJSON(params[name]),
				})
			}
		case []any:
			for _, item := range params {
				obj, ok := item.(map[string]any)
				if !ok {
					continue
				}
				name, _ := obj["name"].(string)
				if name == "" {
					continue
				}
				param := ir.Parameter{
					ID:   ir.ParameterID(parsed.Document.ID, name),
					Name: name,
				}
				if t, ok := obj["type"].(string); ok {
					param.DataType = t
				}
				if v, ok := obj["value"]; ok {
					param.Value = stringifyJSON(v)
					if param.DataType == "" {
						param.DataType = jsonTypeName(v)
					}
				}
				parsed.Parameters = append(parsed.Parameters, param)
			}
		}
	}
}

// retainUnknownShape keeps unclassified scalar top-level keys as custom
// document attributes instead of dropping them.
func (p *JSONParser) retainUnknownShape(top map[string]any, parsed *ir.ParsedDocument, w *jsonWalker) {
	skip := map[string]bool{
		"name": true, "description": true, "parameters": true, "variables": true,
	}
	for _, key := range sortedKeys(top) {
		if skip[key] || (w.claimed != nil && w.claimed[key]) {
			continue
		}
		switch v := top[key].(type) {
		case string, float64, bool:
			if parsed.Document.Custom == nil {
				parsed.Document.Custom = make(map[string]string)
			}
			parsed.Document.Custom[key] = stringifyJSON(v)
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "bool"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return ""
	}
}

func stringifyJSON(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
