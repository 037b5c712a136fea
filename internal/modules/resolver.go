// Package modules maps context nodes to abstract UI module descriptors.
//
// A Registry holds prioritised rules and always ends with a match-all
// fallback, so resolution never fails. Resolution is pure.
package modules

import (
	"sort"

	"github.com/Benny93/bloom/internal/graph"
)

const (
	minSpan = 1
	maxSpan = 4
)

// Rule is one candidate module.
type Rule struct {
	ID          string
	Name        string
	Description string
	Component   string
	Priority    int

	// Match reports whether the rule applies to a node.
	Match func(graph.Node) bool

	// ColumnSpan returns the layout width for a node, 1 to 4. Nil means 1.
	ColumnSpan func(graph.Node) int
}

// Info describes a registered rule without its functions.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Component   string `json:"component"`
	Priority    int    `json:"priority"`
}

// Descriptor is the resolution result for one node.
type Descriptor struct {
	Info
	ColumnSpan int `json:"columnSpan"`
}

// Layout carries the grid placement hints of a resolved module.
type Layout struct {
	W        int `json:"w"`
	H        int `json:"h"`
	Priority int `json:"priority"`
}

// Resolved is a module ready to be rendered for a node.
type Resolved struct {
	ID        string     `json:"id"`
	Component string     `json:"component"`
	Node      graph.Node `json:"node"`
	Relevance float64    `json:"relevance"`
	Layout    Layout     `json:"layout"`
}

// Registry is an ordered rule list ending in a fallback.
type Registry struct {
	rules []Rule
}

// NewRegistry creates a registry. The fallback is forced to priority 0
// and to match every node.
func NewRegistry(fallback Rule, rules ...Rule) *Registry {
	fallback.Priority = 0
	fallback.Match = func(graph.Node) bool { return true }

	all := make([]Rule, 0, len(rules)+1)
	for _, r := range rules {
		if r.Match == nil {
			continue
		}
		all = append(all, r)
	}
	all = append(all, fallback)
	return &Registry{rules: all}
}

// Rules lists the registered rules in registration order, fallback last.
func (r *Registry) Rules() []Info {
	out := make([]Info, len(r.rules))
	for i, rule := range r.rules {
		out[i] = rule.info()
	}
	return out
}

// Resolve picks the highest-priority rule matching node. Ties go to the
// rule registered first.
func (r *Registry) Resolve(node graph.Node) Descriptor {
	best := len(r.rules) - 1
	for i, rule := range r.rules {
		if !rule.Match(node) {
			continue
		}
		if rule.Priority > r.rules[best].Priority || (i < best && rule.Priority == r.rules[best].Priority) {
			best = i
		}
	}
	rule := r.rules[best]
	return Descriptor{Info: rule.info(), ColumnSpan: rule.span(node)}
}

// ResolveActive resolves every node and orders the result by descending
// node relevance. Equal relevance keeps input order.
func (r *Registry) ResolveActive(nodes []graph.Node) []Resolved {
	out := make([]Resolved, 0, len(nodes))
	for _, n := range nodes {
		d := r.Resolve(n)
		out = append(out, Resolved{
			ID:        d.ID + ":" + n.ID,
			Component: d.Component,
			Node:      n,
			Relevance: n.Relevance,
			Layout:    Layout{W: d.ColumnSpan, H: 1, Priority: d.Priority},
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Relevance > out[j].Relevance
	})
	return out
}

func (rule Rule) info() Info {
	return Info{
		ID:          rule.ID,
		Name:        rule.Name,
		Description: rule.Description,
		Component:   rule.Component,
		Priority:    rule.Priority,
	}
}

func (rule Rule) span(n graph.Node) int {
	if rule.ColumnSpan == nil {
		return minSpan
	}
	return min(max(rule.ColumnSpan(n), minSpan), maxSpan)
}
