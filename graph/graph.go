// Package graph implements a directed graph keyed by address, with inverse
// adjacency and vertex and edge attributes. It backs the cross-reference
// stores and the control flow graph of the disassembly engine.
package graph

import "github.com/xda-re/xda/bin"

// Edge is a directed graph edge.
type Edge struct {
	// Tail vertex (source).
	From bin.Addr
	// Head vertex (destination).
	To bin.Addr
}

// Graph is a directed graph of addresses. It stores both forward and inverse
// adjacency, so predecessor queries are as cheap as successor queries.
// Iteration orders are not guaranteed.
type Graph struct {
	// Maps each vertex to its set of successors.
	succs map[bin.Addr]map[bin.Addr]bool
	// Maps each vertex to its set of predecessors (the transpose graph).
	preds map[bin.Addr]map[bin.Addr]bool
	// Maps each vertex to its attributes.
	vertexAttrs map[bin.Addr]map[string]interface{}
	// Maps each edge to its attributes.
	edgeAttrs map[Edge]map[string]interface{}
}

// New returns a new empty graph.
func New() *Graph {
	return &Graph{
		succs:       make(map[bin.Addr]map[bin.Addr]bool),
		preds:       make(map[bin.Addr]map[bin.Addr]bool),
		vertexAttrs: make(map[bin.Addr]map[string]interface{}),
		edgeAttrs:   make(map[Edge]map[string]interface{}),
	}
}

// AddVertex adds a vertex to the graph. Existing vertices are not overwritten.
func (g *Graph) AddVertex(v bin.Addr) {
	if _, ok := g.succs[v]; ok {
		return
	}
	g.succs[v] = make(map[bin.Addr]bool)
	g.preds[v] = make(map[bin.Addr]bool)
	g.vertexAttrs[v] = make(map[string]interface{})
}

// HasVertex reports whether the graph contains the given vertex.
func (g *Graph) HasVertex(v bin.Addr) bool {
	_, ok := g.succs[v]
	return ok
}

// RemoveVertex removes a vertex and its incident edges from the graph.
// Orphan vertices generated by the removal can later be dropped with
// RemoveOrphanVertices.
func (g *Graph) RemoveVertex(v bin.Addr) {
	if _, ok := g.succs[v]; !ok {
		return
	}
	for succ := range g.succs[v] {
		delete(g.preds[succ], v)
		delete(g.edgeAttrs, Edge{From: v, To: succ})
	}
	for pred := range g.preds[v] {
		delete(g.succs[pred], v)
		delete(g.edgeAttrs, Edge{From: pred, To: v})
	}
	delete(g.succs, v)
	delete(g.preds, v)
	delete(g.vertexAttrs, v)
}

// RemoveOrphanVertices removes vertices that have neither incoming nor
// outgoing edges.
func (g *Graph) RemoveOrphanVertices() {
	for v := range g.succs {
		if len(g.succs[v]) == 0 && len(g.preds[v]) == 0 {
			delete(g.succs, v)
			delete(g.preds, v)
			delete(g.vertexAttrs, v)
		}
	}
}

// Vertices returns the vertices of the graph.
func (g *Graph) Vertices() []bin.Addr {
	vs := make([]bin.Addr, 0, len(g.succs))
	for v := range g.succs {
		vs = append(vs, v)
	}
	return vs
}

// NumVertices returns the number of vertices in the graph.
func (g *Graph) NumVertices() int {
	return len(g.succs)
}

// AddEdge adds an edge to the graph, creating its endpoints as needed.
func (g *Graph) AddEdge(from, to bin.Addr) {
	g.AddVertex(from)
	g.AddVertex(to)
	if g.succs[from][to] {
		return
	}
	g.succs[from][to] = true
	g.preds[to][from] = true
	g.edgeAttrs[Edge{From: from, To: to}] = make(map[string]interface{})
}

// HasEdge reports whether the graph contains the given edge.
func (g *Graph) HasEdge(from, to bin.Addr) bool {
	return g.succs[from][to]
}

// RemoveEdge removes an edge from the graph. Orphan vertices generated by the
// removal can later be dropped with RemoveOrphanVertices.
func (g *Graph) RemoveEdge(from, to bin.Addr) {
	if !g.succs[from][to] {
		return
	}
	delete(g.succs[from], to)
	delete(g.preds[to], from)
	delete(g.edgeAttrs, Edge{From: from, To: to})
}

// Edges returns the edges of the graph.
func (g *Graph) Edges() []Edge {
	var es []Edge
	for from, succs := range g.succs {
		for to := range succs {
			es = append(es, Edge{From: from, To: to})
		}
	}
	return es
}

// NumEdges returns the number of edges in the graph.
func (g *Graph) NumEdges() int {
	return len(g.edgeAttrs)
}

// Successors returns the immediate successors of the given vertex.
func (g *Graph) Successors(v bin.Addr) []bin.Addr {
	succs := make([]bin.Addr, 0, len(g.succs[v]))
	for succ := range g.succs[v] {
		succs = append(succs, succ)
	}
	return succs
}

// Predecessors returns the immediate predecessors of the given vertex.
func (g *Graph) Predecessors(v bin.Addr) []bin.Addr {
	preds := make([]bin.Addr, 0, len(g.preds[v]))
	for pred := range g.preds[v] {
		preds = append(preds, pred)
	}
	return preds
}

// SetVertexAttr sets a vertex attribute, returning the previous value, if
// any. The vertex is created if not present.
func (g *Graph) SetVertexAttr(v bin.Addr, name string, value interface{}) interface{} {
	g.AddVertex(v)
	prev := g.vertexAttrs[v][name]
	g.vertexAttrs[v][name] = value
	return prev
}

// DelVertexAttr removes a vertex attribute, returning the previous value, if
// any.
func (g *Graph) DelVertexAttr(v bin.Addr, name string) interface{} {
	attrs, ok := g.vertexAttrs[v]
	if !ok {
		return nil
	}
	prev := attrs[name]
	delete(attrs, name)
	return prev
}

// VertexAttr returns the value of a vertex attribute. The boolean return
// value reports whether the attribute was set.
func (g *Graph) VertexAttr(v bin.Addr, name string) (interface{}, bool) {
	attrs, ok := g.vertexAttrs[v]
	if !ok {
		return nil, false
	}
	value, ok := attrs[name]
	return value, ok
}

// SetEdgeAttr sets an edge attribute, returning the previous value, if any.
// Setting an attribute on a missing edge is a no-op returning nil.
func (g *Graph) SetEdgeAttr(from, to bin.Addr, name string, value interface{}) interface{} {
	attrs, ok := g.edgeAttrs[Edge{From: from, To: to}]
	if !ok {
		return nil
	}
	prev := attrs[name]
	attrs[name] = value
	return prev
}

// DelEdgeAttr removes an edge attribute, returning the previous value, if
// any.
func (g *Graph) DelEdgeAttr(from, to bin.Addr, name string) interface{} {
	attrs, ok := g.edgeAttrs[Edge{From: from, To: to}]
	if !ok {
		return nil
	}
	prev := attrs[name]
	delete(attrs, name)
	return prev
}

// EdgeAttr returns the value of an edge attribute. The boolean return value
// reports whether the attribute was set.
func (g *Graph) EdgeAttr(from, to bin.Addr, name string) (interface{}, bool) {
	attrs, ok := g.edgeAttrs[Edge{From: from, To: to}]
	if !ok {
		return nil, false
	}
	value, ok := attrs[name]
	return value, ok
}
