package graph

// DefaultActiveThreshold is the relevance at or above which a node counts
// as active.
const DefaultActiveThreshold = 0.3

// MaturityThresholds are the counts at which the graph moves between
// maturity levels.
type MaturityThresholds struct {
	Building    int `json:"building" yaml:"building"`
	Established int `json:"established" yaml:"established"`
	Focused     int `json:"focused" yaml:"focused"`
}

// DefaultMaturityThresholds returns the stock thresholds: two active nodes
// are building, five are established, two focused nodes are focused.
func DefaultMaturityThresholds() MaturityThresholds {
	return MaturityThresholds{Building: 2, Established: 5, Focused: 2}
}

// ComputeMaturity classifies a graph from its active-node and focus counts.
// Focus dominates; otherwise the active count decides.
func ComputeMaturity(active, focused int, th MaturityThresholds) Maturity {
	switch {
	case focused >= th.Focused:
		return MaturityFocused
	case active >= th.Established:
		return MaturityEstablished
	case active >= th.Building:
		return MaturityBuilding
	default:
		return MaturityInitial
	}
}
