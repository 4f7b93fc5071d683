// Package storage persists the graph snapshot and the vector store
// under a configurable directory. Both artifacts are rebuildable from
// the source tree; persistence only saves re-parse and re-embed cost.
package storage

import (
	"context"

	"traceai/internal/graph"
	"traceai/internal/knowledge"
)

// GraphStore persists whole-graph dumps.
type GraphStore interface {
	SaveGraph(ctx context.Context, dump *graph.Dump) error
	LoadGraph(ctx context.Context) (*graph.Dump, error)
}

// Store combines graph persistence with a persistent vector index.
type Store interface {
	GraphStore
	knowledge.Index
	Close() error
}
