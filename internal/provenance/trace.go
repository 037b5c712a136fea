// Package provenance explains why a node is relevant by tracing it back to
// the personal-layer nodes it hangs from.
package provenance

import (
	"slices"
	"sort"

	"github.com/Benny93/bloom/internal/graph"
)

// DefaultMaxDepth bounds a trace when the caller passes no depth.
const DefaultMaxDepth = 3

// Graph is the read-only view a trace needs.
type Graph interface {
	GetNode(id string) (graph.Node, bool)
	IncomingEdges(id string) []graph.Edge
}

// Step is one traversed edge, in forward direction.
type Step struct {
	Source graph.Node `json:"source"`
	Edge   graph.Edge `json:"edge"`
	Target graph.Node `json:"target"`
}

// Chain is a path from a personal-layer Root to the traced node.
type Chain struct {
	Steps      []Step     `json:"steps"`
	Root       graph.Node `json:"root"`
	Confidence float64    `json:"confidence"`
}

type frontier struct {
	id         string
	path       []Step
	confidence float64
}

// Trace walks incoming edges breadth-first from nodeID and returns every
// chain that reaches a personal-layer node within maxDepth hops, sorted by
// descending confidence. Confidence is the product of edge weights. A
// path never visits the same node twice. Unknown nodes yield nil.
func Trace(g Graph, nodeID string, maxDepth int) []Chain {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if _, ok := g.GetNode(nodeID); !ok {
		return nil
	}

	var chains []Chain
	queue := []frontier{{id: nodeID, confidence: 1.0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if len(cur.path) >= maxDepth {
			continue
		}
		target, ok := g.GetNode(cur.id)
		if !ok {
			continue
		}

		for _, edge := range g.IncomingEdges(cur.id) {
			source, ok := g.GetNode(edge.Source)
			if !ok || onPath(nodeID, cur.path, source.ID) {
				continue
			}

			// Steps are kept root-first, so tracing backwards prepends.
			path := make([]Step, 0, len(cur.path)+1)
			path = append(path, Step{Source: source, Edge: edge, Target: target})
			path = append(path, cur.path...)
			confidence := cur.confidence * edge.Weight

			if source.Layer == graph.LayerPersonal {
				chains = append(chains, Chain{Steps: path, Root: source, Confidence: confidence})
				continue
			}
			queue = append(queue, frontier{id: source.ID, path: path, confidence: confidence})
		}
	}

	sort.SliceStable(chains, func(i, j int) bool {
		return chains[i].Confidence > chains[j].Confidence
	})
	return chains
}

func onPath(targetID string, path []Step, id string) bool {
	if id == targetID {
		return true
	}
	return slices.ContainsFunc(path, func(s Step) bool { return s.Source.ID == id })
}
