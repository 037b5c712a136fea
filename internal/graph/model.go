// Package graph provides the layered context graph data model for Bloom.
//
// It defines the node and edge types that represent facts, preferences,
// tasks and perceptions, and the layers (world, personal, bridge) that
// govern which edge types may connect them.
package graph

import (
	"slices"
	"time"
)

// Layer is the epistemic layer a node belongs to.
type Layer string

const (
	// LayerWorld holds objective, shared facts.
	LayerWorld Layer = "world"
	// LayerPersonal holds subjective, user-specific nodes.
	LayerPersonal Layer = "personal"
	// LayerBridge holds reified connective nodes.
	LayerBridge Layer = "bridge"
)

// Valid reports whether l is one of the known layers.
func (l Layer) Valid() bool {
	switch l {
	case LayerWorld, LayerPersonal, LayerBridge:
		return true
	}
	return false
}

// NodeKind is an open tag describing what a node represents.
// Plugins may introduce kinds beyond the constants below.
type NodeKind string

const (
	KindScript        NodeKind = "Script"
	KindVocabItem     NodeKind = "VocabItem"
	KindPattern       NodeKind = "Pattern"
	KindPreference    NodeKind = "Preference"
	KindMemory        NodeKind = "Memory"
	KindPartner       NodeKind = "Partner"
	KindService       NodeKind = "Service"
	KindTask          NodeKind = "Task"
	KindDocument      NodeKind = "Document"
	KindPlace         NodeKind = "Place"
	KindLocation      NodeKind = "Location"
	KindMedicalInfo   NodeKind = "MedicalInfo"
	KindBodyPart      NodeKind = "BodyPart"
	KindPersonalInfo  NodeKind = "PersonalInfo"
	KindUser          NodeKind = "User"
	KindWorldRef      NodeKind = "WorldRef"
	KindContextSchema NodeKind = "ContextSchema"
	KindSymbol        NodeKind = "Symbol"
	KindTemporal      NodeKind = "Temporal"
	KindAction        NodeKind = "Action"
	KindFeeling       NodeKind = "Feeling"
	KindValue         NodeKind = "Value"
	KindNeed          NodeKind = "Need"
	KindIdentity      NodeKind = "Identity"
)

// EdgeType is an open tag describing a relationship between two nodes.
type EdgeType string

// The nine epistemic bridge types. Only these may connect a world node
// to a personal node.
const (
	EdgePrefersOver      EdgeType = "PREFERS_OVER"
	EdgeMeansToMe        EdgeType = "MEANS_TO_ME"
	EdgeAvoids           EdgeType = "AVOIDS"
	EdgeAssociatesWith   EdgeType = "ASSOCIATES_WITH"
	EdgeUsesInContext    EdgeType = "USES_IN_CONTEXT"
	EdgeWorksWithPartner EdgeType = "WORKS_WITH_PARTNER"
	EdgeExpandsTo        EdgeType = "EXPANDS_TO"
	EdgeTriggers         EdgeType = "TRIGGERS"
	EdgeContradicts      EdgeType = "CONTRADICTS"
)

// System and ontological edge types.
const (
	EdgeConnectedTo  EdgeType = "CONNECTED_TO"
	EdgePartOf       EdgeType = "PART_OF"
	EdgeHasAttribute EdgeType = "HAS_ATTRIBUTE"
)

// Source records how a node or edge came to exist.
type Source string

const (
	SourceUserCreated       Source = "user_created"
	SourceAIInferred        Source = "ai_inferred"
	SourceQRScan            Source = "qr_scan"
	SourceGPSSignal         Source = "gps_signal"
	SourceManualInput       Source = "manual_input"
	SourceTimeDecay         Source = "time_decay"
	SourcePluginGenerated   Source = "plugin_generated"
	SourceCommonsAggregated Source = "commons_aggregated"
	SourceSeed              Source = "seed"
	SourceText              Source = "text"
)

// Maturity is a coarse classification of how developed the active graph is.
type Maturity string

const (
	MaturityInitial     Maturity = "initial"
	MaturityBuilding    Maturity = "building"
	MaturityEstablished Maturity = "established"
	MaturityFocused     Maturity = "focused"
)

// Node is the atomic unit of context.
type Node struct {
	// ID is the unique identifier for the node.
	ID string `json:"id"`

	// Kind is the open type tag (e.g. Location, Task, Feeling).
	Kind NodeKind `json:"type"`

	// Label is a short human-readable name.
	Label string `json:"label"`

	// Relevance is the current salience in [0,1]. It decays over time.
	Relevance float64 `json:"relevance"`

	// Timestamp is the creation or last significant update time.
	Timestamp time.Time `json:"timestamp"`

	// Layer is assigned at creation and not expected to change.
	Layer Layer `json:"layer"`

	// Source is the provenance tag.
	Source Source `json:"source,omitempty"`

	// Persistent nodes are immune to decay and survive a context reset.
	Persistent bool `json:"persistent,omitempty"`

	// Focused marks a node the user explicitly selected.
	Focused bool `json:"focused,omitempty"`

	// Section overrides the kind-derived section when set.
	Section Section `json:"section,omitempty"`

	// Description is optional long-form text.
	Description string `json:"description,omitempty"`

	// ImageURL is an optional picture reference.
	ImageURL string `json:"imageUrl,omitempty"`

	// Data holds kind-specific attributes.
	Data map[string]any `json:"data,omitempty"`
}

// Clone returns a copy of n that shares no mutable state with it.
func (n Node) Clone() Node {
	n.Data = cloneData(n.Data)
	return n
}

// cloneData deep-copies the JSON-shaped values a node's Data can hold.
func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneData(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(v)
	case []float64:
		return slices.Clone(v)
	default:
		return v
	}
}

// Edge is a directed, typed relationship between two nodes.
type Edge struct {
	// ID is the unique identifier for the edge.
	ID string `json:"id"`

	// Source is the ID of the source node.
	Source string `json:"source"`

	// Target is the ID of the target node.
	Target string `json:"target"`

	// Type is the relationship type.
	Type EdgeType `json:"type"`

	// Weight is the relationship strength in [0,1].
	Weight float64 `json:"weight"`

	// Bidirectional is a traversal hint only.
	Bidirectional bool `json:"bidirectional,omitempty"`

	Timestamp  time.Time `json:"timestamp"`
	SourceType Source    `json:"source_type,omitempty"`
}

// NodePatch carries a partial update for UpdateNode. Nil fields are left
// untouched.
type NodePatch struct {
	Kind        *NodeKind
	Label       *string
	Relevance   *float64
	Timestamp   *time.Time
	Source      *Source
	Persistent  *bool
	Section     *Section
	Description *string
	ImageURL    *string
	Data        map[string]any
}

// Snapshot is the export/import shape of the whole graph.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// State is an immutable view of the graph handed to subscribers.
type State struct {
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	FocusedIDs  []string  `json:"focusedIds"`
	Maturity    Maturity  `json:"maturity"`
	PluginID    string    `json:"pluginId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
	SignalCount int       `json:"signalCount"`

	// Version increases with every mutation. Subscribers never see a
	// lower version after a higher one.
	Version uint64 `json:"version"`
}

// Node returns the node with the given ID from the state.
func (s State) Node(id string) (Node, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
