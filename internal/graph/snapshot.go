package graph

import "sort"

// Snapshot is an immutable consistent view of the graph. Node and edge
// values are shared with the builder but never mutated after commit;
// the builder swaps pointers instead.
type Snapshot struct {
	nodes     map[string]*Node
	out       map[string][]*Edge
	in        map[string][]*Edge
	nameIndex map[string][]string
	stats     Stats
}

// Snapshot returns the current consistent view. The view is cached and
// rebuilt lazily after the next commit, so taking repeated snapshots of
// an idle graph costs a pointer read.
func (b *Builder) Snapshot() *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.snapDirty && b.snap != nil {
		return b.snap
	}

	s := &Snapshot{
		nodes:     make(map[string]*Node, len(b.nodes)),
		out:       make(map[string][]*Edge, len(b.out)),
		in:        make(map[string][]*Edge, len(b.in)),
		nameIndex: make(map[string][]string, len(b.nameIndex)),
		stats:     b.stats.clone(),
	}
	for id, n := range b.nodes {
		s.nodes[id] = n
	}
	for id, edges := range b.out {
		if len(edges) == 0 {
			continue
		}
		cp := make([]*Edge, len(edges))
		copy(cp, edges)
		sortEdges(cp)
		s.out[id] = cp
	}
	for id, edges := range b.in {
		if len(edges) == 0 {
			continue
		}
		cp := make([]*Edge, len(edges))
		copy(cp, edges)
		sortEdges(cp)
		s.in[id] = cp
	}
	for norm, ids := range b.nameIndex {
		cp := make([]string, len(ids))
		copy(cp, ids)
		s.nameIndex[norm] = cp
	}

	b.snap = s
	b.snapDirty = false
	return s
}

// sortEdges keeps adjacency deterministic so traversal output never
// depends on map iteration order.
func sortEdges(edges []*Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Kind != edges[j].Kind {
			return edges[i].Kind < edges[j].Kind
		}
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
}

// Node returns the committed node for id.
func (s *Snapshot) Node(id string) (*Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Outgoing and Incoming expose adjacency for traversals.
func (s *Snapshot) Outgoing(id string) []*Edge { return s.out[id] }
func (s *Snapshot) Incoming(id string) []*Edge { return s.in[id] }

// NodesByName returns entity/source node ids whose normalized name
// matches exactly.
func (s *Snapshot) NodesByName(norm string) []string {
	return s.nameIndex[norm]
}
