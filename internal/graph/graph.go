// Package graph provides the in-memory context graph for Bloom.
//
// ContextGraph is the single source of truth for nodes and edges. It owns
// both collections exclusively, hands out copies on every read, enforces
// the epistemic layering rule on edge admission and notifies subscribers
// synchronously after each mutation.
package graph

import (
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ContextGraph is an in-memory directed graph of context nodes.
//
// Nodes are keyed by ID; edges likewise. Removing a node cascades to every
// edge where the node appears as source or target, so no dangling
// reference is ever observable.
//
// All mutators take a single exclusive lock. Subscribers run after the
// lock is released, in mutation order, and must not call back into a
// mutator.
type ContextGraph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	edges map[string]*Edge

	// Secondary indexes, kept in sync by the put/delete helpers.
	byKind   map[NodeKind]map[string]*Node
	outgoing map[string]map[string]*Edge
	incoming map[string]map[string]*Edge

	focused     map[string]struct{}
	maturity    Maturity
	lastUpdated time.Time
	signalCount int
	version     uint64

	bridges    BridgeSet
	thresholds MaturityThresholds
	pluginID   string
	now        func() time.Time
	logger     *zap.Logger

	subMu       sync.Mutex
	subscribers []*Subscription
}

// Option configures a ContextGraph.
type Option func(*ContextGraph)

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *ContextGraph) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *ContextGraph) {
		if now != nil {
			g.now = now
		}
	}
}

// WithBridgeTypes sets the edge types allowed across world and personal.
func WithBridgeTypes(b BridgeSet) Option {
	return func(g *ContextGraph) {
		if len(b) > 0 {
			g.bridges = b
		}
	}
}

// WithMaturityThresholds overrides the default maturity thresholds.
func WithMaturityThresholds(th MaturityThresholds) Option {
	return func(g *ContextGraph) { g.thresholds = th }
}

// WithPluginID records the active plugin in published state.
func WithPluginID(id string) Option {
	return func(g *ContextGraph) { g.pluginID = id }
}

// NewContextGraph creates a new empty context graph.
func NewContextGraph(opts ...Option) *ContextGraph {
	g := &ContextGraph{
		nodes:      make(map[string]*Node),
		edges:      make(map[string]*Edge),
		byKind:     make(map[NodeKind]map[string]*Node),
		outgoing:   make(map[string]map[string]*Edge),
		incoming:   make(map[string]map[string]*Edge),
		focused:    make(map[string]struct{}),
		maturity:   MaturityInitial,
		bridges:    NewBridgeSet(),
		thresholds: DefaultMaturityThresholds(),
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.lastUpdated = g.now()
	return g
}

// SetBridgeTypes swaps the bridge set, e.g. after a plugin reload.
// Existing edges are not re-validated.
func (g *ContextGraph) SetBridgeTypes(b BridgeSet) {
	if len(b) == 0 {
		return
	}
	g.mu.Lock()
	g.bridges = b
	g.mu.Unlock()
}

// BridgeTypes returns the edge types currently allowed across world and
// personal.
func (g *ContextGraph) BridgeTypes() []EdgeType {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.bridges.Types()
}

// SetPluginID records the active plugin in published state.
func (g *ContextGraph) SetPluginID(id string) {
	g.mu.Lock()
	g.pluginID = id
	g.mu.Unlock()
}

// SetMaturityThresholds swaps the thresholds and recomputes maturity.
func (g *ContextGraph) SetMaturityThresholds(th MaturityThresholds) {
	g.mu.Lock()
	g.thresholds = th
	g.recomputeMaturityLocked()
	state := g.stateLocked()
	g.mu.Unlock()
	g.publish(state)
}

// AddNode inserts a node, or merges it into an existing node with the same
// ID. ID, Label and a known Layer are required. A zero Relevance becomes
// 1.0 and a zero Timestamp becomes now.
//
// On merge, empty strings and nil Data keep the previous values, Data maps
// are merged key by key and the original layer is kept.
func (g *ContextGraph) AddNode(node Node) error {
	if node.ID == "" || node.Label == "" || !node.Layer.Valid() {
		err := fmt.Errorf("%w: id, label and a known layer are required (id=%q layer=%q)",
			ErrInvalidNode, node.ID, node.Layer)
		g.logger.Warn("node dropped", zap.Error(err))
		return err
	}

	node = node.Clone()
	if node.Relevance == 0 {
		node.Relevance = 1.0
	}
	if node.Timestamp.IsZero() {
		node.Timestamp = g.now()
	}

	g.mu.Lock()
	if old, ok := g.nodes[node.ID]; ok {
		node = mergeNode(*old, node)
		if old.Layer != node.Layer {
			g.logger.Debug("layer change ignored on merge",
				zap.String("id", node.ID), zap.String("layer", string(old.Layer)))
		}
	}
	g.putNodeLocked(&node)
	if node.Focused {
		g.focused[node.ID] = struct{}{}
	}
	g.signalCount++
	g.lastUpdated = g.now()
	g.recomputeMaturityLocked()
	state := g.stateLocked()
	g.mu.Unlock()

	g.publish(state)
	return nil
}

// mergeNode overlays next onto prev.
func mergeNode(prev, next Node) Node {
	merged := next
	merged.Layer = prev.Layer
	if merged.Kind == "" {
		merged.Kind = prev.Kind
	}
	if merged.Source == "" {
		merged.Source = prev.Source
	}
	if merged.Section == "" {
		merged.Section = prev.Section
	}
	if merged.Description == "" {
		merged.Description = prev.Description
	}
	if merged.ImageURL == "" {
		merged.ImageURL = prev.ImageURL
	}
	merged.Focused = prev.Focused || next.Focused
	if prev.Data != nil {
		data := cloneData(prev.Data)
		maps.Copy(data, next.Data)
		merged.Data = data
	}
	return merged
}

// GetNode returns a copy of the node with the given ID.
func (g *ContextGraph) GetNode(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.Clone(), true
}

// UpdateNode applies patch to an existing node. It returns false, and does
// nothing, when the node is absent.
func (g *ContextGraph) UpdateNode(id string, patch NodePatch) bool {
	g.mu.Lock()
	old, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return false
	}

	n := old.Clone()
	if patch.Kind != nil {
		n.Kind = *patch.Kind
	}
	if patch.Label != nil {
		n.Label = *patch.Label
	}
	if patch.Relevance != nil {
		n.Relevance = *patch.Relevance
	}
	if patch.Timestamp != nil {
		n.Timestamp = *patch.Timestamp
	}
	if patch.Source != nil {
		n.Source = *patch.Source
	}
	if patch.Persistent != nil {
		n.Persistent = *patch.Persistent
	}
	if patch.Section != nil {
		n.Section = *patch.Section
	}
	if patch.Description != nil {
		n.Description = *patch.Description
	}
	if patch.ImageURL != nil {
		n.ImageURL = *patch.ImageURL
	}
	if patch.Data != nil {
		n.Data = cloneData(patch.Data)
	}

	g.putNodeLocked(&n)
	g.lastUpdated = g.now()
	g.recomputeMaturityLocked()
	state := g.stateLocked()
	g.mu.Unlock()

	g.publish(state)
	return true
}

// RemoveNode removes a node and cascade-deletes all edges that reference it.
// Returns true if the node existed.
func (g *ContextGraph) RemoveNode(id string) bool {
	g.mu.Lock()
	if !g.deleteNodeLocked(id) {
		g.mu.Unlock()
		return false
	}
	g.lastUpdated = g.now()
	g.recomputeMaturityLocked()
	state := g.stateLocked()
	g.mu.Unlock()

	g.publish(state)
	return true
}

// AddEdge admits an edge after checking that both endpoints exist and that
// the layering rule allows it. It returns the stored edge, with a generated
// ID when none was given and the weight clamped to [0,1].
//
// A missing endpoint yields ErrNodeNotFound; a layering violation yields a
// *ValidationError. Neither leaves any trace in the graph.
func (g *ContextGraph) AddEdge(edge Edge) (Edge, error) {
	if edge.Source == "" || edge.Target == "" || edge.Type == "" {
		err := fmt.Errorf("%w: source, target and type are required", ErrInvalidEdge)
		g.logger.Warn("edge dropped", zap.Error(err))
		return Edge{}, err
	}

	g.mu.Lock()
	src, okSrc := g.nodes[edge.Source]
	tgt, okTgt := g.nodes[edge.Target]
	if !okSrc || !okTgt {
		g.mu.Unlock()
		missing := edge.Source
		if okSrc {
			missing = edge.Target
		}
		err := fmt.Errorf("%w: %s", ErrNodeNotFound, missing)
		g.logger.Warn("edge dropped",
			zap.String("source", edge.Source),
			zap.String("target", edge.Target),
			zap.Error(err))
		return Edge{}, err
	}

	if v := ValidateEdge(*src, *tgt, edge.Type, g.bridges); !v.Valid {
		g.mu.Unlock()
		g.logger.Warn("epistemic validation failed",
			zap.String("source", edge.Source),
			zap.String("target", edge.Target),
			zap.String("type", string(edge.Type)),
			zap.String("reason", v.Reason))
		return Edge{}, &ValidationError{Edge: edge, Reason: v.Reason}
	}

	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	edge.Weight = clamp01(edge.Weight)
	if edge.Timestamp.IsZero() {
		edge.Timestamp = g.now()
	}

	g.putEdgeLocked(&edge)
	g.lastUpdated = g.now()
	state := g.stateLocked()
	g.mu.Unlock()

	g.publish(state)
	return edge, nil
}

// RemoveEdge deletes an edge by ID. Returns true if it existed.
func (g *ContextGraph) RemoveEdge(id string) bool {
	g.mu.Lock()
	if !g.deleteEdgeLocked(id) {
		g.mu.Unlock()
		return false
	}
	g.lastUpdated = g.now()
	state := g.stateLocked()
	g.mu.Unlock()

	g.publish(state)
	return true
}

// SetFocused adds or removes a node from the focus set. Unknown IDs are
// ignored and return false.
func (g *ContextGraph) SetFocused(id string, focused bool) bool {
	g.mu.Lock()
	n, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return false
	}
	if focused {
		g.focused[id] = struct{}{}
	} else {
		delete(g.focused, id)
	}
	n.Focused = focused
	g.lastUpdated = g.now()
	g.recomputeMaturityLocked()
	state := g.stateLocked()
	g.mu.Unlock()

	g.publish(state)
	return true
}

// Reset clears the working context: non-persistent nodes, every edge, the
// focus set and the signal counter go away. Persistent nodes stay.
func (g *ContextGraph) Reset() {
	g.mu.Lock()
	for id, n := range g.nodes {
		if !n.Persistent {
			g.deleteNodeLocked(id)
		}
	}
	for id := range g.edges {
		g.deleteEdgeLocked(id)
	}
	for _, n := range g.nodes {
		n.Focused = false
	}
	clear(g.focused)
	g.signalCount = 0
	g.lastUpdated = g.now()
	g.recomputeMaturityLocked()
	state := g.stateLocked()
	g.mu.Unlock()

	g.publish(state)
}

// Reweigh rewrites node relevance in one pass. fn receives a copy of each
// node and returns the new relevance and whether the node survives. Nodes
// that do not survive are removed with their edges.
//
// Subscribers are notified once, after the whole pass.
func (g *ContextGraph) Reweigh(fn func(Node) (float64, bool)) (updated, removed []string) {
	g.mu.Lock()
	for _, id := range sortedKeys(g.nodes) {
		n := g.nodes[id]
		relevance, keep := fn(n.Clone())
		if !keep {
			g.deleteNodeLocked(id)
			removed = append(removed, id)
			continue
		}
		if relevance != n.Relevance {
			n.Relevance = relevance
			updated = append(updated, id)
		}
	}
	g.lastUpdated = g.now()
	g.recomputeMaturityLocked()
	state := g.stateLocked()
	g.mu.Unlock()

	g.publish(state)
	return updated, removed
}

// Import replaces the graph contents with snap. Snapshots come from
// outside, so they get the same checks as AddNode and AddEdge: invalid
// nodes, dangling edges and edges that break the layering rule are dropped
// and logged, and weights are clamped to [0,1]. The focus set is rebuilt
// from Node.Focused.
func (g *ContextGraph) Import(snap Snapshot) {
	g.mu.Lock()
	g.nodes = make(map[string]*Node, len(snap.Nodes))
	g.edges = make(map[string]*Edge, len(snap.Edges))
	g.byKind = make(map[NodeKind]map[string]*Node)
	g.outgoing = make(map[string]map[string]*Edge)
	g.incoming = make(map[string]map[string]*Edge)
	g.focused = make(map[string]struct{})

	for _, n := range snap.Nodes {
		if n.ID == "" || n.Label == "" || !n.Layer.Valid() {
			g.logger.Warn("invalid node skipped on import",
				zap.String("id", n.ID), zap.String("layer", string(n.Layer)))
			continue
		}
		n = n.Clone()
		n.Relevance = clamp01(n.Relevance)
		if n.Timestamp.IsZero() {
			n.Timestamp = g.now()
		}
		g.putNodeLocked(&n)
		if n.Focused {
			g.focused[n.ID] = struct{}{}
		}
	}
	for _, e := range snap.Edges {
		if e.Type == "" {
			g.logger.Warn("untyped edge skipped on import", zap.String("id", e.ID))
			continue
		}
		src, okSrc := g.nodes[e.Source]
		tgt, okTgt := g.nodes[e.Target]
		if !okSrc || !okTgt {
			g.logger.Warn("dangling edge skipped on import", zap.String("id", e.ID))
			continue
		}
		if v := ValidateEdge(*src, *tgt, e.Type, g.bridges); !v.Valid {
			g.logger.Warn("edge skipped on import",
				zap.String("id", e.ID), zap.String("reason", v.Reason))
			continue
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.Weight = clamp01(e.Weight)
		if e.Timestamp.IsZero() {
			e.Timestamp = g.now()
		}
		g.putEdgeLocked(&e)
	}
	g.lastUpdated = g.now()
	g.recomputeMaturityLocked()
	state := g.stateLocked()
	g.mu.Unlock()

	g.publish(state)
}

// Export returns the full node and edge collections ordered by ID.
func (g *ContextGraph) Export() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Snapshot{
		Nodes: g.nodeListLocked(),
		Edges: g.edgeListLocked(),
	}
}

// putNodeLocked stores n and refreshes the kind index. Must be called with
// the write lock held.
func (g *ContextGraph) putNodeLocked(n *Node) {
	if old, ok := g.nodes[n.ID]; ok && old.Kind != n.Kind {
		delete(g.byKind[old.Kind], n.ID)
	}
	g.nodes[n.ID] = n
	if g.byKind[n.Kind] == nil {
		g.byKind[n.Kind] = make(map[string]*Node)
	}
	g.byKind[n.Kind][n.ID] = n
}

// deleteNodeLocked removes a node, its edges and its focus entry. Must be
// called with the write lock held.
func (g *ContextGraph) deleteNodeLocked(id string) bool {
	n, ok := g.nodes[id]
	if !ok {
		return false
	}
	delete(g.nodes, id)
	delete(g.byKind[n.Kind], id)
	delete(g.focused, id)
	g.cascadeEdgesForNode(id)
	return true
}

// putEdgeLocked stores e, replacing any edge with the same ID. Must be
// called with the write lock held.
func (g *ContextGraph) putEdgeLocked(e *Edge) {
	if old, ok := g.edges[e.ID]; ok {
		delete(g.outgoing[old.Source], e.ID)
		delete(g.incoming[old.Target], e.ID)
	}
	g.edges[e.ID] = e
	if g.outgoing[e.Source] == nil {
		g.outgoing[e.Source] = make(map[string]*Edge)
	}
	g.outgoing[e.Source][e.ID] = e
	if g.incoming[e.Target] == nil {
		g.incoming[e.Target] = make(map[string]*Edge)
	}
	g.incoming[e.Target][e.ID] = e
}

// deleteEdgeLocked removes one edge. Must be called with the write lock held.
func (g *ContextGraph) deleteEdgeLocked(id string) bool {
	e, ok := g.edges[id]
	if !ok {
		return false
	}
	delete(g.edges, id)
	delete(g.outgoing[e.Source], id)
	delete(g.incoming[e.Target], id)
	return true
}

// cascadeEdgesForNode removes all edges where the node is source or target.
// Must be called with the write lock held.
func (g *ContextGraph) cascadeEdgesForNode(id string) {
	for _, e := range g.outgoing[id] {
		delete(g.edges, e.ID)
		delete(g.incoming[e.Target], e.ID)
	}
	delete(g.outgoing, id)

	for _, e := range g.incoming[id] {
		delete(g.edges, e.ID)
		delete(g.outgoing[e.Source], e.ID)
	}
	delete(g.incoming, id)
}

func (g *ContextGraph) recomputeMaturityLocked() {
	g.maturity = ComputeMaturity(g.activeCountLocked(DefaultActiveThreshold), len(g.focused), g.thresholds)
}

func (g *ContextGraph) activeCountLocked(threshold float64) int {
	count := 0
	for _, n := range g.nodes {
		if n.Relevance >= threshold {
			count++
		}
	}
	return count
}

func (g *ContextGraph) nodeListLocked() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, id := range sortedKeys(g.nodes) {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

func (g *ContextGraph) edgeListLocked() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, id := range sortedKeys(g.edges) {
		out = append(out, *g.edges[id])
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
