package tools

import (
	"context"
	"encoding/json"

	"traceai/internal/fault"
	"traceai/internal/graph"
	"traceai/internal/knowledge"
)

const defaultLineageDepth = 8

// Service implements the tool surface over one builder and one
// knowledge engine. Every call takes a fresh snapshot, so a result is
// always consistent with a single point in time.
type Service struct {
	builder  *graph.Builder
	engine   *knowledge.Engine
	visitCap int
}

func NewService(builder *graph.Builder, engine *knowledge.Engine) *Service {
	return &Service{builder: builder, engine: engine, visitCap: graph.DefaultTraversalCap}
}

// SetTraversalCap overrides the node-visit bound for traversals.
func (s *Service) SetTraversalCap(cap int) {
	if cap > 0 {
		s.visitCap = cap
	}
}

// Call validates raw JSON input against the operation schema and
// dispatches. This is the entry point the MCP server uses.
func (s *Service) Call(ctx context.Context, op string, raw json.RawMessage) (any, error) {
	if err := ValidateInput(op, raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	switch op {
	case OpGraphQuery:
		var in GraphQueryInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fault.Wrap(fault.InvalidArgument, err, "%s", op)
		}
		return s.GraphQuery(ctx, in)
	case OpTraceLineage:
		var in TraceLineageInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fault.Wrap(fault.InvalidArgument, err, "%s", op)
		}
		return s.TraceLineage(ctx, in)
	case OpAnalyzeImpact:
		var in AnalyzeImpactInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fault.Wrap(fault.InvalidArgument, err, "%s", op)
		}
		return s.AnalyzeImpact(ctx, in)
	case OpFindDependencies:
		var in FindDependenciesInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fault.Wrap(fault.InvalidArgument, err, "%s", op)
		}
		return s.FindDependencies(ctx, in)
	case OpSemanticSearch:
		var in SemanticSearchInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fault.Wrap(fault.InvalidArgument, err, "%s", op)
		}
		return s.SemanticSearch(ctx, in)
	case OpGraphStats:
		return s.GraphStats(ctx)
	}
	return nil, fault.WithIDs(fault.InvalidArgument, []string{op}, "unknown operation")
}

// GraphQuery finds nodes by kind, name substring, or exact id.
func (s *Service) GraphQuery(ctx context.Context, in GraphQueryInput) (*GraphQueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := s.builder.Snapshot()

	if in.ID != "" {
		if n, ok := snap.Node(in.ID); ok {
			return &GraphQueryResult{Nodes: []NodeView{viewOf(n)}, Total: 1}, nil
		}
		return &GraphQueryResult{Nodes: []NodeView{}, Total: 0}, nil
	}

	nodes := snap.FindNodes(graph.NodeKind(in.Kind), in.NameSubstring, in.Limit)
	return &GraphQueryResult{Nodes: viewsOf(nodes), Total: len(nodes)}, nil
}

// TraceLineage returns upstream/downstream data flow for an entity name.
func (s *Service) TraceLineage(ctx context.Context, in TraceLineageInput) (*TraceLineageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := graph.ParseDirection(in.Direction)
	if err != nil {
		return nil, err
	}
	depth := defaultLineageDepth
	if in.MaxDepth != nil {
		depth = *in.MaxDepth
	}

	snap := s.builder.Snapshot()
	lineage, err := snap.TraceLineage(in.EntityName, dir, depth, s.visitCap)
	if err != nil {
		return nil, err
	}
	return &TraceLineageResult{
		Entity:     in.EntityName,
		Direction:  string(dir),
		MaxDepth:   depth,
		Upstream:   depthViewsOf(lineage.Upstream),
		Downstream: depthViewsOf(lineage.Downstream),
		Truncated:  lineage.Truncated,
	}, nil
}

// AnalyzeImpact lists the one-hop readers and writers of an entity.
func (s *Service) AnalyzeImpact(ctx context.Context, in AnalyzeImpactInput) (*AnalyzeImpactResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := s.builder.Snapshot()
	impact, err := snap.AnalyzeImpact(in.EntityName)
	if err != nil {
		return nil, err
	}
	return &AnalyzeImpactResult{
		Entity:  in.EntityName,
		Readers: viewsOf(impact.Readers),
		Writers: viewsOf(impact.Writers),
		Total:   impact.Total,
	}, nil
}

// FindDependencies walks the PRECEDES+CALLS closure of a component.
func (s *Service) FindDependencies(ctx context.Context, in FindDependenciesInput) (*FindDependenciesResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := graph.ParseDirection(in.Direction)
	if err != nil {
		return nil, err
	}
	depth := defaultLineageDepth
	if in.MaxDepth != nil {
		depth = *in.MaxDepth
	}

	snap := s.builder.Snapshot()
	deps, truncated, err := snap.ComponentDependencies(in.ComponentID, dir, depth, s.visitCap)
	if err != nil {
		return nil, err
	}
	return &FindDependenciesResult{
		ComponentID: in.ComponentID,
		Direction:   string(dir),
		Components:  depthViewsOf(deps),
		Truncated:   truncated,
	}, nil
}

// SemanticSearch embeds the query and returns nearest graph nodes. The
// snapshot is taken before the index query, so every returned id is
// backed by a committed node.
func (s *Service) SemanticSearch(ctx context.Context, in SemanticSearchInput) (*SemanticSearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.engine == nil {
		return nil, fault.New(fault.Internal, "semantic search requires a configured vector index")
	}
	k := 10
	if in.K != nil {
		k = *in.K
	}

	snap := s.builder.Snapshot()
	matches, err := s.engine.Search(ctx, in.Text, k, in.Filter)
	if err != nil {
		return nil, err
	}

	result := &SemanticSearchResult{Query: in.Text, Matches: []SemanticMatch{}}
	for _, m := range matches {
		// Vectors lag graph removals at most briefly; drop orphans so the
		// surface never hands out an id the graph cannot resolve.
		n, ok := snap.Node(m.ID)
		if !ok {
			continue
		}
		result.Matches = append(result.Matches, SemanticMatch{
			ID:       m.ID,
			Score:    m.Score,
			Node:     viewOf(n),
			Metadata: m.Metadata,
		})
	}
	return result, nil
}

// GraphStats returns the maintained counters.
func (s *Service) GraphStats(ctx context.Context) (*GraphStatsResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &GraphStatsResult{Stats: s.builder.Snapshot().Stats()}, nil
}
