package graph

import (
	"fmt"
	"slices"
)

// DefaultBridgeTypes lists the nine epistemic bridge types in their
// canonical order.
var DefaultBridgeTypes = []EdgeType{
	EdgePrefersOver,
	EdgeMeansToMe,
	EdgeAvoids,
	EdgeAssociatesWith,
	EdgeUsesInContext,
	EdgeWorksWithPartner,
	EdgeExpandsTo,
	EdgeTriggers,
	EdgeContradicts,
}

// BridgeSet is the set of edge types allowed to cross between the world
// and personal layers.
type BridgeSet map[EdgeType]struct{}

// NewBridgeSet builds a BridgeSet from an ordered list of types.
// An empty list yields the default nine.
func NewBridgeSet(types ...EdgeType) BridgeSet {
	if len(types) == 0 {
		types = DefaultBridgeTypes
	}
	set := make(BridgeSet, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}

// Has reports whether t is a bridge type.
func (b BridgeSet) Has(t EdgeType) bool {
	_, ok := b[t]
	return ok
}

// Types lists the set with the default bridge types first, in canonical
// order, followed by any plugin-defined types sorted by name.
func (b BridgeSet) Types() []EdgeType {
	out := make([]EdgeType, 0, len(b))
	for _, t := range DefaultBridgeTypes {
		if b.Has(t) {
			out = append(out, t)
		}
	}
	var extra []EdgeType
	for t := range b {
		if !slices.Contains(DefaultBridgeTypes, t) {
			extra = append(extra, t)
		}
	}
	slices.Sort(extra)
	return append(out, extra...)
}

// Validation is the outcome of ValidateEdge.
type Validation struct {
	Valid  bool
	Reason string
}

// ValidateEdge applies the epistemic layering rule to a prospective edge.
//
// Nodes in the same layer may always be connected. A connection between
// the world and personal layers must use a bridge type. Bridge-layer nodes
// mediate freely.
func ValidateEdge(source, target Node, edgeType EdgeType, bridges BridgeSet) Validation {
	if source.Layer == target.Layer {
		return Validation{Valid: true}
	}

	crossing := (source.Layer == LayerWorld && target.Layer == LayerPersonal) ||
		(source.Layer == LayerPersonal && target.Layer == LayerWorld)
	if crossing && !bridges.Has(edgeType) {
		return Validation{
			Reason: fmt.Sprintf("connection between %s and %s layers must use a bridge type, got: %s",
				source.Layer, target.Layer, edgeType),
		}
	}

	return Validation{Valid: true}
}
