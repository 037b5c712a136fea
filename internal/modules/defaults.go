package modules

import (
	"unicode/utf8"

	"github.com/Benny93/bloom/internal/graph"
)

// longContent is the text length above which the text module goes wide.
const longContent = 100

// LocationRule shows places and GPS readings.
var LocationRule = Rule{
	ID:          "module-location",
	Name:        "Location Module",
	Description: "Displays GPS and location data",
	Component:   "LocationModule",
	Priority:    100,
	Match: func(n graph.Node) bool {
		return n.Kind == graph.KindLocation || n.Source == graph.SourceGPSSignal
	},
}

// TaskRule shows actionable items and bridge nodes.
var TaskRule = Rule{
	ID:          "module-task",
	Name:        "Task Module",
	Description: "Displays actionable items",
	Component:   "TaskModule",
	Priority:    90,
	Match: func(n graph.Node) bool {
		return n.Kind == graph.KindAction || n.Kind == graph.KindTask || n.Layer == graph.LayerBridge
	},
}

// TextRule is the fallback for everything else.
var TextRule = Rule{
	ID:          "module-text",
	Name:        "Text Module",
	Description: "Generic text display for notes/thoughts",
	Component:   "TextModule",
	ColumnSpan: func(n graph.Node) int {
		if s, ok := n.Data["content"].(string); ok && utf8.RuneCountInString(s) > longContent {
			return 2
		}
		return 1
	},
}

// DefaultRegistry returns the stock location, task and text modules.
func DefaultRegistry() *Registry {
	return NewRegistry(TextRule, LocationRule, TaskRule)
}
