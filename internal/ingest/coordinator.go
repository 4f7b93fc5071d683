// Package ingest discovers files, parses them in bounded parallel, and
// streams results into the graph builder and vector index through a
// single serial committer.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"traceai/internal/fault"
	"traceai/internal/graph"
	"traceai/internal/ir"
	"traceai/internal/knowledge"
	"traceai/internal/parser"
)

// DefaultMaxConcurrentParsers bounds CPU-heavy parse work.
const DefaultMaxConcurrentParsers = 10

// Options configure one ingestion run.
type Options struct {
	Root                 string
	Patterns             []string
	MaxConcurrentParsers int
}

// FileError records one skipped or failed file in the run report.
type FileError struct {
	Path    string     `json:"path"`
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
}

// Report aggregates the effects of one run. Parse failures never abort
// the run; they land here.
type Report struct {
	Scanned      int                   `json:"scanned"`
	Skipped      int                   `json:"skipped"`
	Parsed       int                   `json:"parsed"`
	Failed       int                   `json:"failed"`
	NoOps        int                   `json:"no_ops"`
	NodesAdded   int                   `json:"nodes_added"`
	NodesUpdated int                   `json:"nodes_updated"`
	NodesRemoved int                   `json:"nodes_removed"`
	EdgesAdded   int                   `json:"edges_added"`
	EdgesRemoved int                   `json:"edges_removed"`
	Errors       []FileError           `json:"errors,omitempty"`
	Warnings     []string              `json:"warnings,omitempty"`
	Unresolved   []graph.UnresolvedRef `json:"unresolved,omitempty"`
	Duration     time.Duration         `json:"duration"`
}

// PartialFailure reports whether some files failed while others
// committed, the condition behind the CLI's exit code 4.
func (r *Report) PartialFailure() bool {
	return r.Failed > 0 && r.Parsed > 0
}

// Coordinator wires the parser registry to the graph builder and the
// optional knowledge engine.
type Coordinator struct {
	registry *parser.Registry
	builder  *graph.Builder
	engine   *knowledge.Engine
}

func NewCoordinator(registry *parser.Registry, builder *graph.Builder, engine *knowledge.Engine) *Coordinator {
	return &Coordinator{registry: registry, builder: builder, engine: engine}
}

type parseOutcome struct {
	path string
	doc  *ir.ParsedDocument
	err  error
}

// Run executes discovery, admission, bounded-parallel parse, serial
// commit, and deferred-reference resolution. Cancelling ctx stops the
// run promptly; documents already committed stay committed.
func (c *Coordinator) Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	report := &Report{}

	if opts.MaxConcurrentParsers <= 0 {
		opts.MaxConcurrentParsers = DefaultMaxConcurrentParsers
	}

	paths, err := c.discover(ctx, opts.Root, opts.Patterns)
	if err != nil {
		return nil, err
	}
	report.Scanned = len(paths)

	var admitted []string
	for _, path := range paths {
		if !c.registry.Validate(path) {
			report.Skipped++
			continue
		}
		admitted = append(admitted, path)
	}

	fmt.Printf("🚀 Ingesting %d files (%d skipped) with %d parsers...\n",
		len(admitted), report.Skipped, opts.MaxConcurrentParsers)

	// Workers push into a bounded channel; the buffer keeps backpressure
	// on discovery order without stalling the pool.
	results := make(chan parseOutcome, 2*opts.MaxConcurrentParsers)
	workers, workerCtx := errgroup.WithContext(ctx)
	workers.SetLimit(opts.MaxConcurrentParsers)

	go func() {
		for _, path := range admitted {
			p, ok := c.registry.ParserFor(path)
			if !ok {
				continue
			}
			path := path
			pr := p
			workers.Go(func() error {
				if err := workerCtx.Err(); err != nil {
					return err
				}
				doc, err := pr.Parse(workerCtx, path)
				select {
				case results <- parseOutcome{path: path, doc: doc, err: err}:
				case <-workerCtx.Done():
					return workerCtx.Err()
				}
				return nil
			})
		}
		// Parse errors travel in outcomes, so Wait only fails on cancel.
		_ = workers.Wait()
		close(results)
	}()

	// Single serial committer: commits land in arrival order, and no
	// vector upsert precedes its graph commit.
	for outcome := range results {
		if err := ctx.Err(); err != nil {
			// Drain remaining outcomes so the worker goroutines exit.
			for range results {
			}
			return report, fault.Wrap(fault.Cancelled, err, "ingest cancelled")
		}
		if outcome.err != nil {
			report.Failed++
			report.Errors = append(report.Errors, FileError{
				Path:    outcome.path,
				Kind:    fault.KindOf(outcome.err),
				Message: outcome.err.Error(),
			})
			continue
		}
		if err := c.commit(ctx, outcome, report); err != nil {
			return report, err
		}
	}

	report.Unresolved = c.builder.ResolveDeferredReferences()
	report.Duration = time.Since(start)

	sort.Slice(report.Errors, func(i, j int) bool { return report.Errors[i].Path < report.Errors[j].Path })

	fmt.Printf("📊 Ingest done in %v: %d parsed, %d failed, %d unresolved refs\n",
		report.Duration.Round(time.Millisecond), report.Parsed, report.Failed, len(report.Unresolved))
	return report, nil
}

func (c *Coordinator) commit(ctx context.Context, outcome parseOutcome, report *Report) error {
	commit, err := c.builder.AddDocument(outcome.doc)
	if err != nil {
		return err
	}
	report.Parsed++
	if commit.NoOp {
		report.NoOps++
		return nil
	}
	report.NodesAdded += commit.NodesAdded
	report.NodesUpdated += commit.NodesUpdated
	report.NodesRemoved += commit.NodesRemoved
	report.EdgesAdded += commit.EdgesAdded
	report.EdgesRemoved += commit.EdgesRemoved
	for _, w := range outcome.doc.Warnings {
		report.Warnings = append(report.Warnings, outcome.path+": "+w)
	}
	for _, w := range commit.Warnings {
		report.Warnings = append(report.Warnings, outcome.path+": "+w)
	}

	if c.engine == nil {
		return nil
	}
	if err := c.engine.DeleteNodes(ctx, commit.RemovedIDs); err != nil {
		log.Printf("ingest: vector delete for %s: %v", outcome.path, err)
	}
	if err := c.engine.UpsertNodes(ctx, c.builder.NodesByID(commit.UpsertIDs)); err != nil {
		// Vector indexing is best-effort per document; the graph commit
		// already landed and the index is rebuildable.
		log.Printf("ingest: vector upsert for %s: %v", outcome.path, err)
		report.Warnings = append(report.Warnings, outcome.path+": vector indexing failed: "+err.Error())
	}
	return nil
}

// discover walks the tree, matches glob patterns against both the base
// name and the root-relative path, and dedupes by absolute path.
func (c *Coordinator) discover(ctx context.Context, root string, patterns []string) ([]string, error) {
	if root == "" {
		return nil, fault.New(fault.InvalidArgument, "ingest root is required")
	}
	for _, pattern := range patterns {
		if _, err := filepath.Match(pattern, "probe"); err != nil {
			return nil, fault.WithIDs(fault.InvalidArgument, []string{pattern}, "bad glob pattern")
		}
	}

	seen := make(map[string]bool)
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git", "node_modules", "vendor":
				return filepath.SkipDir
			}
			return nil
		}
		if !matchesAny(root, path, d.Name(), patterns) {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		if !seen[abs] {
			seen[abs] = true
			paths = append(paths, abs)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.Cancelled, err, "discovery cancelled")
		}
		return nil, fault.Wrap(fault.InvalidArgument, err, "walk %s", root)
	}
	sort.Strings(paths)
	return paths, nil
}

func matchesAny(root, path, base string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	rel, relErr := filepath.Rel(root, path)
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if relErr == nil {
			if ok, _ := filepath.Match(pattern, filepath.ToSlash(rel)); ok {
				return true
			}
		}
	}
	return false
}
