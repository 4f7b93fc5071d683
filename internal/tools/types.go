// Package tools exposes the six named operations the external planner
// consumes: graph query, lineage trace, impact analysis, dependency
// search, semantic search, and statistics. Inputs are schema-validated;
// outputs are structured values, never prose.
package tools

import (
	"traceai/internal/graph"
)

// Operation names, stable across releases.
const (
	OpGraphQuery       = "graph_query"
	OpTraceLineage     = "trace_lineage"
	OpAnalyzeImpact    = "analyze_impact"
	OpFindDependencies = "find_dependencies"
	OpSemanticSearch   = "semantic_search"
	OpGraphStats       = "graph_stats"
)

// Operations lists every tool name in presentation order.
var Operations = []string{
	OpGraphQuery,
	OpTraceLineage,
	OpAnalyzeImpact,
	OpFindDependencies,
	OpSemanticSearch,
	OpGraphStats,
}

// NodeView is the JSON-facing projection of a graph node.
type NodeView struct {
	ID    string            `json:"id"`
	Kind  string            `json:"kind"`
	Name  string            `json:"name"`
	DocID string            `json:"doc_id,omitempty"`
	Props map[string]string `json:"props,omitempty"`
}

func viewOf(n *graph.Node) NodeView {
	return NodeView{
		ID:    n.ID,
		Kind:  string(n.Kind),
		Name:  n.Name,
		DocID: n.DocID,
		Props: n.Props,
	}
}

func viewsOf(nodes []*graph.Node) []NodeView {
	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, viewOf(n))
	}
	return out
}

// DepthView pairs a node view with its traversal depth.
type DepthView struct {
	Node  NodeView `json:"node"`
	Depth int      `json:"depth"`
}

func depthViewsOf(nodes []graph.NodeDepth) []DepthView {
	out := make([]DepthView, 0, len(nodes))
	for _, nd := range nodes {
		out = append(out, DepthView{Node: viewOf(nd.Node), Depth: nd.Depth})
	}
	return out
}

// --- inputs ---

type GraphQueryInput struct {
	Kind          string `json:"kind,omitempty"`
	NameSubstring string `json:"name_substring,omitempty"`
	ID            string `json:"id,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

type TraceLineageInput struct {
	EntityName string `json:"entity_name"`
	Direction  string `json:"direction,omitempty"`
	MaxDepth   *int   `json:"max_depth,omitempty"`
}

type AnalyzeImpactInput struct {
	EntityName string `json:"entity_name"`
}

type FindDependenciesInput struct {
	ComponentID string `json:"component_id"`
	Direction   string `json:"direction,omitempty"`
	MaxDepth    *int   `json:"max_depth,omitempty"`
}

type SemanticSearchInput struct {
	Text   string            `json:"text"`
	K      *int              `json:"k,omitempty"`
	Filter map[string]string `json:"filter,omitempty"`
}

type GraphStatsInput struct{}

// --- outputs ---

type GraphQueryResult struct {
	Nodes []NodeView `json:"nodes"`
	Total int        `json:"total"`
}

type TraceLineageResult struct {
	Entity     string      `json:"entity"`
	Direction  string      `json:"direction"`
	MaxDepth   int         `json:"max_depth"`
	Upstream   []DepthView `json:"upstream,omitempty"`
	Downstream []DepthView `json:"downstream,omitempty"`
	Truncated  bool        `json:"truncated"`
}

type AnalyzeImpactResult struct {
	Entity  string     `json:"entity"`
	Readers []NodeView `json:"readers"`
	Writers []NodeView `json:"writers"`
	Total   int        `json:"total"`
}

type FindDependenciesResult struct {
	ComponentID string      `json:"component_id"`
	Direction   string      `json:"direction"`
	Components  []DepthView `json:"components"`
	Truncated   bool        `json:"truncated"`
}

type SemanticMatch struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Node     NodeView          `json:"node"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type SemanticSearchResult struct {
	Query   string          `json:"query"`
	Matches []SemanticMatch `json:"matches"`
}

type GraphStatsResult struct {
	Stats graph.Stats `json:"stats"`
}
