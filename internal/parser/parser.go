// Package parser normalizes heterogeneous pipeline artifacts (SSIS,
// COBOL, JCL, JSON configs, Excel workbooks, CSV lineage maps) into the
// shared intermediate representation.
package parser

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"traceai/internal/fault"
	"traceai/internal/ir"
)

// Parser turns file bytes into a ParsedDocument. Implementations share
// no mutable state and are safe to invoke concurrently on distinct paths.
type Parser interface {
	// Kind reports the document kind this parser produces.
	Kind() ir.DocumentKind

	// Extensions lists the file extensions handled, lowercase with dot.
	Extensions() []string

	// Validate is a cheap header sniff so the coordinator can skip
	// unsupported files without paying parse cost.
	Validate(path string) bool

	// Parse reads and normalizes one file. A fatal failure returns a
	// MalformedInput fault and no document; partial success returns a
	// document with Warnings set.
	Parse(ctx context.Context, path string) (*ir.ParsedDocument, error)
}

// Registry maps file extensions to parsers. It is assembled once at
// startup and read-only afterwards.
type Registry struct {
	byExt map[string]Parser
}

func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]Parser)}
}

// RegistryOptions tune format-specific parser behavior.
type RegistryOptions struct {
	CobolFreeForm bool
}

// DefaultRegistry returns a registry with all six format parsers.
func DefaultRegistry() *Registry {
	return BuildRegistry(RegistryOptions{})
}

// BuildRegistry assembles the six format parsers with options applied.
func BuildRegistry(opts RegistryOptions) *Registry {
	cobol := NewCOBOLParser()
	cobol.FreeForm = opts.CobolFreeForm
	r := NewRegistry()
	for _, p := range []Parser{
		NewSSISParser(),
		cobol,
		NewJCLParser(),
		NewJSONParser(),
		NewExcelParser(),
		NewCSVLineageParser(),
	} {
		if err := r.Register(p); err != nil {
			// Built-in extension sets are disjoint.
			panic(err)
		}
	}
	return r
}

// Register maps all of p's extensions to p. Registering an extension
// twice is a configuration bug and fails outright.
func (r *Registry) Register(p Parser) error {
	for _, ext := range p.Extensions() {
		ext = strings.ToLower(ext)
		if existing, ok := r.byExt[ext]; ok {
			return fault.New(fault.InvalidArgument,
				"duplicate registration for %q: %s already registered", ext, existing.Kind())
		}
		r.byExt[ext] = p
	}
	return nil
}

// ParserFor dispatches by extension, case-insensitively.
func (r *Registry) ParserFor(path string) (Parser, bool) {
	p, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return p, ok
}

// Validate reports whether path looks parseable: a parser is registered
// for its extension and the parser's header sniff accepts it.
func (r *Registry) Validate(path string) bool {
	p, ok := r.ParserFor(path)
	return ok && p.Validate(path)
}

// Extensions returns every registered extension, sorted.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// readSource loads file bytes and builds the Document skeleton shared by
// all parsers. ParsedAt is left zero; the graph builder stamps commit
// time so parsing stays deterministic.
func readSource(ctx context.Context, path string, kind ir.DocumentKind) ([]byte, ir.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, ir.Document{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ir.Document{}, fault.Wrap(fault.MalformedInput, err, "read %s", path)
	}
	hash := ir.ContentHash(data)
	doc := ir.Document{
		ID:          ir.DocumentID(abs, hash),
		Name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Kind:        kind,
		SourcePath:  abs,
		ContentHash: hash,
	}
	return data, doc, nil
}

// sniffHead reads at most n bytes from the start of the file.
func sniffHead(path string, n int) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, n)
	read, _ := f.Read(buf)
	return buf[:read]
}

// excerpt truncates source text kept on components for display.
func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}
