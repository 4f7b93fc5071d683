package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"traceai/internal/fault"
	"traceai/internal/ir"
)

// Builder is the single writer of the multigraph. All commits serialize
// through it; readers take immutable snapshots that never observe a
// partially applied commit.
type Builder struct {
	mu sync.RWMutex

	nodes map[string]*Node
	out   map[string][]*Edge
	in    map[string][]*Edge
	edges map[edgeKey]*Edge

	docByPath    map[string]string   // absolute source path -> document id
	docHashes    map[string]string   // document id -> content hash
	docNameIndex map[string][]string // normalized document name -> doc ids
	nameIndex    map[string][]string // normalized name -> entity/source ids

	owned       map[string][]string        // doc id -> owned node ids
	refs        map[string]int             // shared node id -> referencing docs
	sharedByDoc map[string]map[string]bool // doc id -> shared ids

	deferred []deferredEdge

	stats  Stats
	sealed bool

	snap      *Snapshot
	snapDirty bool
}

type deferredEdge struct {
	fromID  string
	program string // normalized target document name
	reason  string
}

func NewBuilder() *Builder {
	return &Builder{
		nodes:        make(map[string]*Node),
		out:          make(map[string][]*Edge),
		in:           make(map[string][]*Edge),
		edges:        make(map[edgeKey]*Edge),
		docByPath:    make(map[string]string),
		docHashes:    make(map[string]string),
		docNameIndex: make(map[string][]string),
		nameIndex:    make(map[string][]string),
		owned:        make(map[string][]string),
		refs:         make(map[string]int),
		sharedByDoc:  make(map[string]map[string]bool),
		stats: Stats{
			ByKind:         make(map[string]int),
			ByDocumentType: make(map[string]int),
			ByEdgeKind:     make(map[string]int),
		},
		snapDirty: true,
	}
}

// AddDocument folds one parsed document into the graph atomically.
// Re-ingesting an unchanged document is a no-op; a changed document
// replaces everything the previous version owned. Shared entity and
// source nodes are interned and reconciled by refcount.
func (b *Builder) AddDocument(pd *ir.ParsedDocument) (*CommitReport, error) {
	if pd == nil {
		return nil, fault.New(fault.Internal, "graph: nil parsed document")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return nil, fault.New(fault.Internal, "graph: builder is sealed")
	}

	doc := pd.Document
	report := &CommitReport{DocumentID: doc.ID}

	if prevID, ok := b.docByPath[doc.SourcePath]; ok {
		if b.docHashes[prevID] == doc.ContentHash {
			report.DocumentID = prevID
			report.NoOp = true
			return report, nil
		}
		b.removeDocumentLocked(prevID, report)
	}

	b.insertDocumentLocked(pd, report)
	b.resolveDeferredLocked()
	b.snapDirty = true
	return report, nil
}

// RemoveDocument unloads a document, its owned components/parameters,
// and any shared nodes whose refcount reaches zero.
func (b *Builder) RemoveDocument(documentID string) (*CommitReport, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.nodes[documentID]; !ok {
		return nil, false
	}
	report := &CommitReport{DocumentID: documentID}
	b.removeDocumentLocked(documentID, report)
	b.snapDirty = true
	return report, true
}

// ResolveDeferredReferences retries every outstanding cross-document
// reference and returns the ones still unresolved.
func (b *Builder) ResolveDeferredReferences() []UnresolvedRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolveDeferredLocked()
	b.snapDirty = true
	return b.unresolvedLocked()
}

// Seal stops deferred-reference retries and further commits; queries
// keep working.
func (b *Builder) Seal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
}

// --- commit internals (callers hold the write lock) ---

func (b *Builder) insertDocumentLocked(pd *ir.ParsedDocument, report *CommitReport) {
	doc := pd.Document

	docProps := map[string]string{
		"document_kind": string(doc.Kind),
		"source_path":   doc.SourcePath,
		"content_hash":  doc.ContentHash,
		"parsed_at":     time.Now().UTC().Format(time.RFC3339),
	}
	if doc.Description != "" {
		docProps["description"] = doc.Description
	}
	for k, v := range doc.Custom {
		docProps[k] = v
	}
	b.addNodeLocked(&Node{
		ID:       doc.ID,
		Kind:     KindDocument,
		Name:     doc.Name,
		NormName: ir.NormalizeName(doc.Name),
		Props:    docProps,
	}, report)
	b.docByPath[doc.SourcePath] = doc.ID
	b.docHashes[doc.ID] = doc.ContentHash
	norm := ir.NormalizeName(doc.Name)
	b.docNameIndex[norm] = append(b.docNameIndex[norm], doc.ID)
	b.stats.Documents++
	b.stats.ByDocumentType[string(doc.Kind)]++

	own := func(id string) {
		b.owned[doc.ID] = append(b.owned[doc.ID], id)
	}

	for _, c := range pd.Components {
		props := map[string]string{"component_type": c.ComponentType}
		if c.Description != "" {
			props["description"] = c.Description
		}
		if c.SourceExcerpt != "" {
			props["source_excerpt"] = c.SourceExcerpt
		}
		for k, v := range c.Properties {
			props[k] = v
		}
		b.addNodeLocked(&Node{
			ID:       c.ID,
			Kind:     KindComponent,
			Name:     c.Name,
			NormName: ir.NormalizeName(c.Name),
			DocID:    doc.ID,
			Props:    props,
		}, report)
		own(c.ID)
		b.addEdgeLocked(&Edge{From: doc.ID, To: c.ID, Kind: ir.DepContains}, report)
	}

	for _, p := range pd.Parameters {
		props := map[string]string{}
		if p.DataType != "" {
			props["data_type"] = p.DataType
		}
		if p.Value != "" {
			props["value"] = p.Value
		}
		b.addNodeLocked(&Node{
			ID:       p.ID,
			Kind:     KindParameter,
			Name:     p.Name,
			NormName: ir.NormalizeName(p.Name),
			DocID:    doc.ID,
			Props:    props,
		}, report)
		own(p.ID)
		b.addEdgeLocked(&Edge{From: doc.ID, To: p.ID, Kind: ir.DepContains}, report)
	}

	shared := b.sharedByDoc[doc.ID]
	if shared == nil {
		shared = make(map[string]bool)
		b.sharedByDoc[doc.ID] = shared
	}
	intern := func(n *Node) {
		if !shared[n.ID] {
			shared[n.ID] = true
			b.refs[n.ID]++
		}
		if _, ok := b.nodes[n.ID]; ok {
			// Interned hit: the first committed attribute set stands.
			report.NodesUpdated++
			return
		}
		b.addNodeLocked(n, report)
	}

	for _, s := range pd.DataSources {
		props := map[string]string{
			"source_kind": string(s.Kind),
			"locator":     s.Locator,
		}
		for k, v := range s.Properties {
			props[k] = v
		}
		intern(&Node{
			ID:       s.ID,
			Kind:     KindDataSource,
			Name:     s.Name,
			NormName: ir.NormalizeName(s.Name),
			Props:    props,
		})
	}

	for _, e := range pd.DataEntities {
		props := map[string]string{"entity_type": string(e.Kind)}
		if e.Schema != "" {
			props["schema"] = e.Schema
		}
		if len(e.Columns) > 0 {
			cols := ""
			for i, c := range e.Columns {
				if i > 0 {
					cols += ","
				}
				cols += c
			}
			props["columns"] = cols
		}
		for k, v := range e.Properties {
			props[k] = v
		}
		intern(&Node{
			ID:       e.ID,
			Kind:     KindDataEntity,
			Name:     e.Name,
			NormName: ir.NormalizeName(e.Name),
			Props:    props,
		})
	}

	for _, dep := range pd.Dependencies {
		if program, ok := ir.IsDeferredRef(dep.ToID); ok {
			b.deferred = append(b.deferred, deferredEdge{
				fromID:  dep.FromID,
				program: program,
				reason:  ReasonNoCandidate,
			})
			continue
		}
		if _, ok := b.nodes[dep.FromID]; !ok {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("edge %s -> %s (%s): unknown source node", dep.FromID, dep.ToID, dep.Kind))
			continue
		}
		if _, ok := b.nodes[dep.ToID]; !ok {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("edge %s -> %s (%s): unknown target node", dep.FromID, dep.ToID, dep.Kind))
			continue
		}
		b.addEdgeLocked(&Edge{From: dep.FromID, To: dep.ToID, Kind: dep.Kind, Props: dep.Properties}, report)
	}
}

func (b *Builder) addNodeLocked(n *Node, report *CommitReport) {
	if _, exists := b.nodes[n.ID]; exists {
		b.nodes[n.ID] = n
		report.NodesUpdated++
	} else {
		b.nodes[n.ID] = n
		b.stats.Nodes++
		b.stats.ByKind[string(n.Kind)]++
		report.NodesAdded++
	}
	report.UpsertIDs = append(report.UpsertIDs, n.ID)
	if n.Kind == KindDataEntity || n.Kind == KindDataSource {
		b.indexName(n.NormName, n.ID)
	}
}

func (b *Builder) indexName(norm, id string) {
	for _, existing := range b.nameIndex[norm] {
		if existing == id {
			return
		}
	}
	b.nameIndex[norm] = append(b.nameIndex[norm], id)
	sort.Strings(b.nameIndex[norm])
}

func (b *Builder) addEdgeLocked(e *Edge, report *CommitReport) {
	key := edgeKey{from: e.From, to: e.To, kind: e.Kind}
	if _, dup := b.edges[key]; dup {
		return
	}
	b.edges[key] = e
	b.out[e.From] = append(b.out[e.From], e)
	b.in[e.To] = append(b.in[e.To], e)
	b.stats.Edges++
	b.stats.ByEdgeKind[string(e.Kind)]++
	report.EdgesAdded++
}

func (b *Builder) removeDocumentLocked(docID string, report *CommitReport) {
	docNode, ok := b.nodes[docID]
	if !ok {
		return
	}

	// Foreign CALLS edges into this document go back to the deferred
	// table; the reference is unresolved again once the target unloads.
	for _, e := range b.in[docID] {
		if e.Kind != ir.DepCalls {
			continue
		}
		if from, ok := b.nodes[e.From]; ok && from.DocID != docID {
			b.deferred = append(b.deferred, deferredEdge{
				fromID:  e.From,
				program: docNode.NormName,
				reason:  ReasonNoCandidate,
			})
		}
	}

	for _, ownedID := range b.owned[docID] {
		b.removeNodeLocked(ownedID, report)
	}
	delete(b.owned, docID)

	for sharedID := range b.sharedByDoc[docID] {
		b.refs[sharedID]--
		if b.refs[sharedID] <= 0 {
			delete(b.refs, sharedID)
			b.removeNodeLocked(sharedID, report)
		}
	}
	delete(b.sharedByDoc, docID)

	// Deferred references originating from the removed document vanish.
	kept := b.deferred[:0]
	for _, d := range b.deferred {
		if from, ok := b.nodes[d.fromID]; ok && from.DocID != docID && d.fromID != docID {
			kept = append(kept, d)
		}
	}
	b.deferred = kept

	b.removeNodeLocked(docID, report)
	delete(b.docHashes, docID)
	if path := docNode.Props["source_path"]; b.docByPath[path] == docID {
		delete(b.docByPath, path)
	}
	b.docNameIndex[docNode.NormName] = removeString(b.docNameIndex[docNode.NormName], docID)
	if len(b.docNameIndex[docNode.NormName]) == 0 {
		delete(b.docNameIndex, docNode.NormName)
	}
	b.stats.Documents--
	kind := docNode.Props["document_kind"]
	if b.stats.ByDocumentType[kind] > 1 {
		b.stats.ByDocumentType[kind]--
	} else {
		delete(b.stats.ByDocumentType, kind)
	}
}

func (b *Builder) removeNodeLocked(id string, report *CommitReport) {
	n, ok := b.nodes[id]
	if !ok {
		return
	}
	for _, e := range append(append([]*Edge{}, b.out[id]...), b.in[id]...) {
		b.removeEdgeLocked(e, report)
	}
	delete(b.out, id)
	delete(b.in, id)
	delete(b.nodes, id)
	b.stats.Nodes--
	if b.stats.ByKind[string(n.Kind)] > 1 {
		b.stats.ByKind[string(n.Kind)]--
	} else {
		delete(b.stats.ByKind, string(n.Kind))
	}
	if n.Kind == KindDataEntity || n.Kind == KindDataSource {
		b.nameIndex[n.NormName] = removeString(b.nameIndex[n.NormName], id)
		if len(b.nameIndex[n.NormName]) == 0 {
			delete(b.nameIndex, n.NormName)
		}
	}
	report.NodesRemoved++
	report.RemovedIDs = append(report.RemovedIDs, id)
}

func (b *Builder) removeEdgeLocked(e *Edge, report *CommitReport) {
	key := edgeKey{from: e.From, to: e.To, kind: e.Kind}
	if _, ok := b.edges[key]; !ok {
		return
	}
	delete(b.edges, key)
	b.out[e.From] = removeEdge(b.out[e.From], e)
	b.in[e.To] = removeEdge(b.in[e.To], e)
	b.stats.Edges--
	if b.stats.ByEdgeKind[string(e.Kind)] > 1 {
		b.stats.ByEdgeKind[string(e.Kind)]--
	} else {
		delete(b.stats.ByEdgeKind, string(e.Kind))
	}
	report.EdgesRemoved++
}

// resolveDeferredLocked retries every pending reference against the
// documents currently present.
func (b *Builder) resolveDeferredLocked() {
	if b.sealed {
		return
	}
	var remaining []deferredEdge
	discard := &CommitReport{}
	for _, d := range b.deferred {
		if _, ok := b.nodes[d.fromID]; !ok {
			continue
		}
		candidates := b.docNameIndex[d.program]
		switch len(candidates) {
		case 0:
			d.reason = ReasonNoCandidate
			remaining = append(remaining, d)
		case 1:
			b.addEdgeLocked(&Edge{
				From:  d.fromID,
				To:    candidates[0],
				Kind:  ir.DepCalls,
				Props: map[string]string{"deferred_program": d.program},
			}, discard)
		default:
			d.reason = ReasonAmbiguous
			remaining = append(remaining, d)
		}
	}
	b.deferred = remaining
}

func (b *Builder) unresolvedLocked() []UnresolvedRef {
	out := make([]UnresolvedRef, 0, len(b.deferred))
	for _, d := range b.deferred {
		out = append(out, UnresolvedRef{FromID: d.fromID, Program: d.program, Reason: d.reason})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Program != out[j].Program {
			return out[i].Program < out[j].Program
		}
		return out[i].FromID < out[j].FromID
	})
	return out
}

// NodesByID fetches committed nodes for the given ids, skipping any
// that are gone. Used by the committer to feed the vector index without
// materializing a full snapshot per commit.
func (b *Builder) NodesByID(ids []string) []*Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := b.nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Export serializes the whole graph for persistence.
func (b *Builder) Export() *Dump {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dump := &Dump{
		SchemaVersion:  DumpSchemaVersion,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		DocumentHashes: make(map[string]string, len(b.docHashes)),
		Deferred:       b.unresolvedLocked(),
	}
	for id, h := range b.docHashes {
		dump.DocumentHashes[id] = h
	}
	for _, n := range b.nodes {
		dump.Nodes = append(dump.Nodes, n)
	}
	sort.Slice(dump.Nodes, func(i, j int) bool { return dump.Nodes[i].ID < dump.Nodes[j].ID })
	for _, e := range b.edges {
		dump.Edges = append(dump.Edges, e)
	}
	sort.Slice(dump.Edges, func(i, j int) bool {
		if dump.Edges[i].From != dump.Edges[j].From {
			return dump.Edges[i].From < dump.Edges[j].From
		}
		if dump.Edges[i].To != dump.Edges[j].To {
			return dump.Edges[i].To < dump.Edges[j].To
		}
		return dump.Edges[i].Kind < dump.Edges[j].Kind
	})
	return dump
}

// Import loads a previously exported dump into an empty builder.
func (b *Builder) Import(dump *Dump) error {
	if dump.SchemaVersion > DumpSchemaVersion {
		return fault.New(fault.Internal, "graph: dump schema %d is newer than supported %d",
			dump.SchemaVersion, DumpSchemaVersion)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stats.Nodes > 0 {
		return fault.New(fault.Internal, "graph: import into non-empty builder")
	}

	discard := &CommitReport{}
	for _, n := range dump.Nodes {
		if n.NormName == "" {
			n.NormName = ir.NormalizeName(n.Name)
		}
		b.addNodeLocked(n, discard)
		switch n.Kind {
		case KindDocument:
			b.stats.Documents++
			b.stats.ByDocumentType[n.Props["document_kind"]]++
			b.docNameIndex[n.NormName] = append(b.docNameIndex[n.NormName], n.ID)
			if path := n.Props["source_path"]; path != "" {
				b.docByPath[path] = n.ID
			}
		}
	}
	for id, h := range dump.DocumentHashes {
		b.docHashes[id] = h
	}
	for _, e := range dump.Edges {
		b.addEdgeLocked(e, discard)
	}
	// Rebuild ownership and refcounts from node/edge structure.
	for _, n := range dump.Nodes {
		if n.DocID != "" {
			b.owned[n.DocID] = append(b.owned[n.DocID], n.ID)
		}
	}
	b.rebuildRefcountsLocked()
	for _, d := range dump.Deferred {
		b.deferred = append(b.deferred, deferredEdge{fromID: d.FromID, program: d.Program, reason: d.Reason})
	}
	b.snapDirty = true
	return nil
}

// rebuildRefcountsLocked recomputes shared-node refcounts by walking
// edges from each document's owned components.
func (b *Builder) rebuildRefcountsLocked() {
	for docID := range b.docHashes {
		shared := make(map[string]bool)
		visit := func(nodeID string) {
			for _, e := range b.out[nodeID] {
				if t, ok := b.nodes[e.To]; ok && (t.Kind == KindDataEntity || t.Kind == KindDataSource) {
					shared[e.To] = true
				}
			}
		}
		visit(docID)
		for _, ownedID := range b.owned[docID] {
			visit(ownedID)
		}
		b.sharedByDoc[docID] = shared
		for id := range shared {
			b.refs[id]++
		}
	}
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func removeEdge(list []*Edge, e *Edge) []*Edge {
	out := list[:0]
	for _, v := range list {
		if v != e {
			out = append(out, v)
		}
	}
	return out
}
