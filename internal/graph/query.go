package graph

import (
	"slices"
	"time"
)

// NodeCount returns the number of nodes.
func (g *ContextGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *ContextGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Nodes returns every node ordered by ID.
func (g *ContextGraph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodeListLocked()
}

// Edges returns every edge ordered by ID.
func (g *ContextGraph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edgeListLocked()
}

// GetEdge returns the edge with the given ID.
func (g *ContextGraph) GetEdge(id string) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.edges[id]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// NodesByKind returns all nodes of the given kind, ordered by ID.
func (g *ContextGraph) NodesByKind(kind NodeKind) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes, ok := g.byKind[kind]
	if !ok {
		return nil
	}
	result := make([]Node, 0, len(nodes))
	for _, id := range sortedKeys(nodes) {
		result = append(result, nodes[id].Clone())
	}
	return result
}

// NodesByLayer returns all nodes in the given layer, ordered by ID.
func (g *ContextGraph) NodesByLayer(layer Layer) []Node {
	return g.filterNodes(func(n *Node) bool { return n.Layer == layer })
}

// ActiveNodes returns nodes whose relevance is at least threshold.
func (g *ContextGraph) ActiveNodes(threshold float64) []Node {
	return g.filterNodes(func(n *Node) bool { return n.Relevance >= threshold })
}

// NodesBySection returns nodes belonging to the given section.
func (g *ContextGraph) NodesBySection(section Section) []Node {
	return g.filterNodes(func(n *Node) bool { return SectionOf(*n) == section })
}

// SectionSummary counts nodes per section. Every section is present.
func (g *ContextGraph) SectionSummary() map[Section]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	summary := make(map[Section]int, 4)
	for _, s := range AllSections() {
		summary[s] = 0
	}
	for _, n := range g.nodes {
		summary[SectionOf(*n)]++
	}
	return summary
}

// FocusedNodes returns the nodes in the focus set, ordered by ID.
func (g *ContextGraph) FocusedNodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make([]Node, 0, len(g.focused))
	for _, id := range sortedKeys(g.focused) {
		if n, ok := g.nodes[id]; ok {
			result = append(result, n.Clone())
		}
	}
	return result
}

// FocusedCount returns the size of the focus set.
func (g *ContextGraph) FocusedCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.focused)
}

// EdgesForNode returns edges where the node is source or target.
func (g *ContextGraph) EdgesForNode(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]*Edge, len(g.outgoing[id])+len(g.incoming[id]))
	for eid, e := range g.outgoing[id] {
		seen[eid] = e
	}
	for eid, e := range g.incoming[id] {
		seen[eid] = e
	}
	return edgeList(seen)
}

// OutgoingEdges returns edges whose source is the given node, ordered by ID.
func (g *ContextGraph) OutgoingEdges(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return edgeList(g.outgoing[id])
}

// IncomingEdges returns edges whose target is the given node, ordered by ID.
func (g *ContextGraph) IncomingEdges(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return edgeList(g.incoming[id])
}

// Traverse walks forward from startID, breadth first, following only edges
// whose type is in edgeTypes (all types when empty). Each node is visited
// at most once and the walk stops maxDepth hops from the start. The start
// node itself is not returned. maxDepth below 1 is treated as 1.
func (g *ContextGraph) Traverse(startID string, edgeTypes []EdgeType, maxDepth int) []Node {
	if maxDepth < 1 {
		maxDepth = 1
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	type item struct {
		id    string
		depth int
	}

	visited := map[string]bool{startID: true}
	queue := []item{{id: startID}}
	var result []Node

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}

		for _, e := range edgeList(g.outgoing[cur.id]) {
			if len(edgeTypes) > 0 && !slices.Contains(edgeTypes, e.Type) {
				continue
			}
			if visited[e.Target] {
				continue
			}
			visited[e.Target] = true
			if n, ok := g.nodes[e.Target]; ok {
				result = append(result, n.Clone())
				queue = append(queue, item{id: e.Target, depth: cur.depth + 1})
			}
		}
	}
	return result
}

// Maturity returns the current maturity level.
func (g *ContextGraph) Maturity() Maturity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.maturity
}

// Stats summarises graph size and lifecycle counters.
type Stats struct {
	Nodes       int       `json:"nodes"`
	Edges       int       `json:"edges"`
	Active      int       `json:"active"`
	Focused     int       `json:"focused"`
	SignalCount int       `json:"signal_count"`
	Maturity    Maturity  `json:"maturity"`
	LastUpdated time.Time `json:"last_updated"`
}

// Stats returns a summary of graph size and lifecycle counters.
func (g *ContextGraph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{
		Nodes:       len(g.nodes),
		Edges:       len(g.edges),
		Active:      g.activeCountLocked(DefaultActiveThreshold),
		Focused:     len(g.focused),
		SignalCount: g.signalCount,
		Maturity:    g.maturity,
		LastUpdated: g.lastUpdated,
	}
}

func (g *ContextGraph) filterNodes(keep func(*Node) bool) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var result []Node
	for _, id := range sortedKeys(g.nodes) {
		if n := g.nodes[id]; keep(n) {
			result = append(result, n.Clone())
		}
	}
	return result
}

func edgeList(m map[string]*Edge) []Edge {
	result := make([]Edge, 0, len(m))
	for _, id := range sortedKeys(m) {
		result = append(result, *m[id])
	}
	return result
}
