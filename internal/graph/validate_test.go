package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEdge(t *testing.T) {
	t.Parallel()

	world := Node{ID: "w", Layer: LayerWorld}
	personal := Node{ID: "p", Layer: LayerPersonal}
	bridge := Node{ID: "b", Layer: LayerBridge}
	bridges := NewBridgeSet()

	tests := []struct {
		name   string
		source Node
		target Node
		typ    EdgeType
		valid  bool
	}{
		{"SameLayerWorld", world, world, EdgeConnectedTo, true},
		{"SameLayerPersonal", personal, personal, "ANYTHING", true},
		{"WorldToPersonalBridge", world, personal, EdgeMeansToMe, true},
		{"PersonalToWorldBridge", personal, world, EdgeContradicts, true},
		{"WorldToPersonalSystem", world, personal, EdgeConnectedTo, false},
		{"PersonalToWorldSystem", personal, world, EdgePartOf, false},
		{"BridgeToWorld", bridge, world, EdgeHasAttribute, true},
		{"PersonalToBridge", personal, bridge, "CUSTOM", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := ValidateEdge(tt.source, tt.target, tt.typ, bridges)
			assert.Equal(t, tt.valid, v.Valid)
			if tt.valid {
				assert.Empty(t, v.Reason)
			} else {
				assert.Contains(t, v.Reason, string(tt.typ))
			}
		})
	}
}

func TestNewBridgeSet(t *testing.T) {
	t.Parallel()

	t.Run("DefaultNine", func(t *testing.T) {
		t.Parallel()
		set := NewBridgeSet()
		assert.Len(t, set, 9)
		for _, bt := range DefaultBridgeTypes {
			assert.True(t, set.Has(bt))
		}
		assert.False(t, set.Has(EdgeConnectedTo))
	})

	t.Run("Custom", func(t *testing.T) {
		t.Parallel()
		set := NewBridgeSet(EdgeAvoids, "LIKES")
		assert.True(t, set.Has("LIKES"))
		assert.False(t, set.Has(EdgePrefersOver))
	})

	t.Run("TypesOrdered", func(t *testing.T) {
		t.Parallel()
		set := NewBridgeSet("ZAPS", "LIKES", EdgeContradicts, EdgePrefersOver)
		assert.Equal(t, []EdgeType{EdgePrefersOver, EdgeContradicts, "LIKES", "ZAPS"}, set.Types())
		assert.Equal(t, DefaultBridgeTypes, NewBridgeSet().Types())

		g := NewContextGraph(WithBridgeTypes(set))
		assert.Equal(t, set.Types(), g.BridgeTypes())
	})
}
