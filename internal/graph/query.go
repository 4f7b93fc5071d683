package graph

import (
	"sort"
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"

	"traceai/internal/fault"
	"traceai/internal/ir"
)

// DefaultTraversalCap bounds how many nodes any single traversal may
// visit before it truncates.
const DefaultTraversalCap = 100_000

// Direction selects which way a lineage or dependency walk goes.
type Direction string

const (
	Upstream   Direction = "upstream"
	Downstream Direction = "downstream"
	Both       Direction = "both"
)

// ParseDirection validates user input into a Direction.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case Upstream:
		return Upstream, nil
	case Downstream:
		return Downstream, nil
	case Both, "":
		return Both, nil
	}
	return "", fault.WithIDs(fault.InvalidArgument, []string{s},
		"direction must be upstream, downstream or both")
}

// Stats returns the maintained counters.
func (s *Snapshot) Stats() Stats { return s.stats.clone() }

// FindNodes scans linearly with early exit. Results are ordered by
// (kind, name, id) so identical queries return identical output.
func (s *Snapshot) FindNodes(kind NodeKind, nameSubstring string, limit int) []*Node {
	needle := strings.ToLower(nameSubstring)
	var matched []*Node
	for _, n := range s.nodes {
		if kind != "" && n.Kind != kind {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(n.Name), needle) {
			continue
		}
		matched = append(matched, n)
	}
	sortNodes(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// FindByName is a case-insensitive substring match over every node.
func (s *Snapshot) FindByName(pattern string) []*Node {
	return s.FindNodes("", pattern, 0)
}

// ListDocuments returns all document nodes ordered by name.
func (s *Snapshot) ListDocuments() []*Node {
	return s.FindNodes(KindDocument, "", 0)
}

// NodeImportance reports degree metrics for one node.
func (s *Snapshot) NodeImportance(id string) (in, out, total int, ok bool) {
	if _, ok = s.nodes[id]; !ok {
		return 0, 0, 0, false
	}
	in, out = len(s.in[id]), len(s.out[id])
	return in, out, in + out, true
}

// NodeDepth pairs a reached node with its hop distance from the start.
type NodeDepth struct {
	Node  *Node `json:"node"`
	Depth int   `json:"depth"`
}

// LineageResult holds the transitive data-flow closure of an entity.
type LineageResult struct {
	Entity     string      `json:"entity"`
	Upstream   []NodeDepth `json:"upstream"`
	Downstream []NodeDepth `json:"downstream"`
	Truncated  bool        `json:"truncated"`
}

// TraceLineage walks producers (upstream) and consumers (downstream) of
// every entity or source whose normalized name equals entityName. One
// hop is entity -> component -> entity; both the component and the next
// entity surface at the same depth. The walk is depth- and
// visit-bounded and survives cycles.
func (s *Snapshot) TraceLineage(entityName string, dir Direction, maxDepth, visitCap int) (*LineageResult, error) {
	if maxDepth < 0 {
		return nil, fault.New(fault.InvalidArgument, "max_depth must be >= 0")
	}
	if visitCap <= 0 {
		visitCap = DefaultTraversalCap
	}
	start := s.NodesByName(ir.NormalizeName(entityName))
	if len(start) == 0 {
		return nil, s.unknownEntity(entityName)
	}

	result := &LineageResult{Entity: entityName}
	if dir == Upstream || dir == Both {
		nodes, truncated := s.lineageWalk(start, true, maxDepth, visitCap)
		result.Upstream = nodes
		result.Truncated = result.Truncated || truncated
	}
	if dir == Downstream || dir == Both {
		nodes, truncated := s.lineageWalk(start, false, maxDepth, visitCap)
		result.Downstream = nodes
		result.Truncated = result.Truncated || truncated
	}
	return result, nil
}

// lineageWalk is the shared BFS. Upstream follows incoming WRITES_TO to
// a producing component, then that component's incoming READS_FROM
// sources; downstream mirrors with READS_FROM then WRITES_TO.
func (s *Snapshot) lineageWalk(start []string, upstream bool, maxDepth, visitCap int) ([]NodeDepth, bool) {
	visited := make(map[string]bool)
	var out []NodeDepth
	truncated := false

	record := func(id string, depth int) bool {
		if visited[id] {
			return false
		}
		if len(visited) >= visitCap {
			truncated = true
			return false
		}
		visited[id] = true
		if n, ok := s.nodes[id]; ok {
			out = append(out, NodeDepth{Node: n, Depth: depth})
		}
		return true
	}

	frontier := append([]string{}, start...)
	sort.Strings(frontier)
	for _, id := range frontier {
		record(id, 0)
	}

	for depth := 1; depth <= maxDepth && len(frontier) > 0 && !truncated; depth++ {
		var next []string
		for _, entityID := range frontier {
			for _, comp := range s.lineageComponents(entityID, upstream) {
				record(comp, depth)
				for _, nextEntity := range s.lineageEntities(comp, upstream) {
					if record(nextEntity, depth) {
						next = append(next, nextEntity)
					}
					if truncated {
						break
					}
				}
				if truncated {
					break
				}
			}
			if truncated {
				break
			}
		}
		sort.Strings(next)
		frontier = next
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	return out, truncated
}

// lineageComponents returns the components producing (upstream) or
// consuming (downstream) an entity, in deterministic order.
func (s *Snapshot) lineageComponents(entityID string, upstream bool) []string {
	kind := ir.DepWritesTo
	if !upstream {
		kind = ir.DepReadsFrom
	}
	var comps []string
	for _, e := range s.in[entityID] {
		if e.Kind == kind {
			comps = append(comps, e.From)
		}
	}
	sort.Strings(comps)
	return comps
}

// lineageEntities returns the entities a component reads (upstream) or
// writes (downstream).
func (s *Snapshot) lineageEntities(compID string, upstream bool) []string {
	kind := ir.DepReadsFrom
	if !upstream {
		kind = ir.DepWritesTo
	}
	var ents []string
	for _, e := range s.out[compID] {
		if e.Kind == kind {
			ents = append(ents, e.To)
		}
	}
	sort.Strings(ents)
	return ents
}

// ImpactResult is the one-hop blast radius of an entity.
type ImpactResult struct {
	Entity  string  `json:"entity"`
	Readers []*Node `json:"readers"`
	Writers []*Node `json:"writers"`
	Total   int     `json:"total"`
}

// AnalyzeImpact answers "what breaks if this entity changes" from the
// maintained reverse indices: O(degree).
func (s *Snapshot) AnalyzeImpact(entityName string) (*ImpactResult, error) {
	start := s.NodesByName(ir.NormalizeName(entityName))
	if len(start) == 0 {
		return nil, s.unknownEntity(entityName)
	}

	readerSet := make(map[string]*Node)
	writerSet := make(map[string]*Node)
	for _, entityID := range start {
		for _, e := range s.in[entityID] {
			from, ok := s.nodes[e.From]
			if !ok || from.Kind != KindComponent {
				continue
			}
			switch e.Kind {
			case ir.DepReadsFrom:
				readerSet[from.ID] = from
			case ir.DepWritesTo:
				writerSet[from.ID] = from
			}
		}
	}

	result := &ImpactResult{Entity: entityName}
	for _, n := range readerSet {
		result.Readers = append(result.Readers, n)
	}
	for _, n := range writerSet {
		result.Writers = append(result.Writers, n)
	}
	sortNodes(result.Readers)
	sortNodes(result.Writers)
	result.Total = len(result.Readers) + len(result.Writers)
	return result, nil
}

// ComponentDependencies walks the PRECEDES and CALLS closure from one
// component. Cycles terminate via the visited set; every node appears
// at most once.
func (s *Snapshot) ComponentDependencies(componentID string, dir Direction, maxDepth, visitCap int) ([]NodeDepth, bool, error) {
	if _, ok := s.nodes[componentID]; !ok {
		return nil, false, fault.WithIDs(fault.UnknownEntity, []string{componentID},
			"component not found")
	}
	if maxDepth <= 0 {
		maxDepth = 8
	}
	if visitCap <= 0 {
		visitCap = DefaultTraversalCap
	}

	follow := func(id string, forward bool) []string {
		edges := s.out[id]
		if !forward {
			edges = s.in[id]
		}
		var next []string
		for _, e := range edges {
			if e.Kind != ir.DepPrecedes && e.Kind != ir.DepCalls {
				continue
			}
			if forward {
				next = append(next, e.To)
			} else {
				next = append(next, e.From)
			}
		}
		sort.Strings(next)
		return next
	}

	visited := map[string]bool{componentID: true}
	var out []NodeDepth
	truncated := false
	frontier := []string{componentID}

	for depth := 1; depth <= maxDepth && len(frontier) > 0 && !truncated; depth++ {
		var next []string
		for _, id := range frontier {
			var neighbors []string
			if dir == Downstream || dir == Both {
				neighbors = append(neighbors, follow(id, true)...)
			}
			if dir == Upstream || dir == Both {
				neighbors = append(neighbors, follow(id, false)...)
			}
			for _, nb := range neighbors {
				if visited[nb] {
					continue
				}
				if len(visited) >= visitCap {
					truncated = true
					break
				}
				visited[nb] = true
				if n, ok := s.nodes[nb]; ok {
					out = append(out, NodeDepth{Node: n, Depth: depth})
					next = append(next, nb)
				}
			}
			if truncated {
				break
			}
		}
		sort.Strings(next)
		frontier = next
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	return out, truncated, nil
}

// PathsBetween enumerates simple paths from a to b up to maxLen edges,
// shortest first, capped at maxPaths to bound work.
func (s *Snapshot) PathsBetween(aID, bID string, maxLen, maxPaths int) ([][]string, error) {
	if _, ok := s.nodes[aID]; !ok {
		return nil, fault.WithIDs(fault.UnknownEntity, []string{aID}, "node not found")
	}
	if _, ok := s.nodes[bID]; !ok {
		return nil, fault.WithIDs(fault.UnknownEntity, []string{bID}, "node not found")
	}
	if maxLen <= 0 {
		maxLen = 6
	}
	if maxPaths <= 0 {
		maxPaths = 100
	}

	var paths [][]string
	onPath := map[string]bool{aID: true}
	path := []string{aID}

	var dfs func(cur string)
	dfs = func(cur string) {
		if len(paths) >= maxPaths {
			return
		}
		if cur == bID {
			cp := make([]string, len(path))
			copy(cp, path)
			paths = append(paths, cp)
			return
		}
		if len(path)-1 >= maxLen {
			return
		}
		var next []string
		for _, e := range s.out[cur] {
			next = append(next, e.To)
		}
		sort.Strings(next)
		for _, nb := range next {
			if onPath[nb] {
				continue
			}
			onPath[nb] = true
			path = append(path, nb)
			dfs(nb)
			path = path[:len(path)-1]
			delete(onPath, nb)
		}
	}
	dfs(aID)

	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) < len(paths[j])
		}
		return strings.Join(paths[i], "|") < strings.Join(paths[j], "|")
	})
	return paths, nil
}

// unknownEntity builds an UnknownEntity fault carrying the closest
// entity names as suggestions.
func (s *Snapshot) unknownEntity(name string) error {
	norm := ir.NormalizeName(name)
	type scored struct {
		name string
		dist int
	}
	var candidates []scored
	for candidate := range s.nameIndex {
		d := levenshtein.DistanceForStrings([]rune(norm), []rune(candidate), levenshtein.DefaultOptions)
		candidates = append(candidates, scored{name: candidate, dist: d})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].name < candidates[j].name
	})
	ids := []string{name}
	for i := 0; i < len(candidates) && i < 3; i++ {
		// Distant matches are noise, not suggestions.
		if candidates[i].dist <= len(norm)/2+1 {
			ids = append(ids, candidates[i].name)
		}
	}
	return fault.WithIDs(fault.UnknownEntity, ids, "no entity or source named %q", name)
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Kind != nodes[j].Kind {
			return nodes[i].Kind < nodes[j].Kind
		}
		if nodes[i].Name != nodes[j].Name {
			return nodes[i].Name < nodes[j].Name
		}
		return nodes[i].ID < nodes[j].ID
	})
}
