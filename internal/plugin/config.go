// Package plugin loads the plugin configuration that drives decay rates,
// persistence defaults and the bridge edge types of a Bloom context graph.
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Benny93/bloom/internal/graph"
)

// DefaultDecayRate is the per-minute decay rate for unconfigured kinds.
const DefaultDecayRate = 0.05

// Metadata identifies a plugin.
type Metadata struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description" yaml:"description"`
}

// NodeType configures one node kind.
type NodeType struct {
	Type       string            `json:"type" yaml:"type"`
	Icon       string            `json:"icon,omitempty" yaml:"icon,omitempty"`
	Persistent bool              `json:"persistent" yaml:"persistent"`
	DecayRate  *float64          `json:"decayRate,omitempty" yaml:"decayRate,omitempty"`
	Schema     map[string]string `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// EdgeType configures one edge type.
type EdgeType struct {
	Type          string  `json:"type" yaml:"type"`
	Bidirectional bool    `json:"bidirectional" yaml:"bidirectional"`
	DefaultWeight float64 `json:"defaultWeight" yaml:"defaultWeight"`
}

// DomainBridge documents an expected world-to-personal connection.
type DomainBridge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Type   string `json:"type" yaml:"type"`
}

// Config is a plugin definition. The core treats it as read-only.
type Config struct {
	Metadata           Metadata                  `json:"metadata" yaml:"metadata"`
	NodeTypes          []NodeType                `json:"nodeTypes" yaml:"nodeTypes"`
	EdgeTypes          []EdgeType                `json:"edgeTypes" yaml:"edgeTypes"`
	BridgeTypes        []string                  `json:"bridgeTypes" yaml:"bridgeTypes"`
	DomainBridges      []DomainBridge            `json:"domainBridges,omitempty" yaml:"domainBridges,omitempty"`
	MaturityThresholds *graph.MaturityThresholds `json:"maturityThresholds,omitempty" yaml:"maturityThresholds,omitempty"`
	Settings           map[string]any            `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Load reads a plugin from a YAML or JSON file, chosen by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plugin: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes a plugin. ext selects the format (".json", otherwise YAML).
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing plugin json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing plugin yaml: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the plugin for obvious mistakes.
func (c *Config) Validate() error {
	var errs []error
	if c.Metadata.ID == "" {
		errs = append(errs, errors.New("metadata.id is required"))
	}
	seen := make(map[string]bool, len(c.NodeTypes))
	for _, nt := range c.NodeTypes {
		if nt.Type == "" {
			errs = append(errs, errors.New("node type with empty name"))
			continue
		}
		if seen[nt.Type] {
			errs = append(errs, fmt.Errorf("node type %q declared twice", nt.Type))
		}
		seen[nt.Type] = true
		if nt.DecayRate != nil && *nt.DecayRate < 0 {
			errs = append(errs, fmt.Errorf("node type %q has negative decay rate", nt.Type))
		}
	}
	for _, bt := range c.BridgeTypes {
		if bt == "" {
			errs = append(errs, errors.New("empty bridge type"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid plugin: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) nodeType(kind graph.NodeKind) (NodeType, bool) {
	for _, nt := range c.NodeTypes {
		if nt.Type == string(kind) {
			return nt, true
		}
	}
	return NodeType{}, false
}

// DecayRate returns the configured per-minute decay rate for kind, and
// whether one was configured.
func (c *Config) DecayRate(kind graph.NodeKind) (float64, bool) {
	nt, ok := c.nodeType(kind)
	if !ok || nt.DecayRate == nil {
		return DefaultDecayRate, false
	}
	return *nt.DecayRate, true
}

// PersistentDefault reports whether nodes of kind are persistent by default.
func (c *Config) PersistentDefault(kind graph.NodeKind) bool {
	nt, _ := c.nodeType(kind)
	return nt.Persistent
}

// Bridges returns the bridge set, falling back to the nine defaults.
func (c *Config) Bridges() graph.BridgeSet {
	types := make([]graph.EdgeType, 0, len(c.BridgeTypes))
	for _, bt := range c.BridgeTypes {
		types = append(types, graph.EdgeType(bt))
	}
	return graph.NewBridgeSet(types...)
}

// Thresholds returns the maturity thresholds, filling unset values from
// the defaults.
func (c *Config) Thresholds() graph.MaturityThresholds {
	th := graph.DefaultMaturityThresholds()
	if c.MaturityThresholds == nil {
		return th
	}
	if c.MaturityThresholds.Building > 0 {
		th.Building = c.MaturityThresholds.Building
	}
	if c.MaturityThresholds.Established > 0 {
		th.Established = c.MaturityThresholds.Established
	}
	if c.MaturityThresholds.Focused > 0 {
		th.Focused = c.MaturityThresholds.Focused
	}
	return th
}

// GraphSettings is the part of the graph a plugin configures.
type GraphSettings interface {
	SetBridgeTypes(graph.BridgeSet)
	SetMaturityThresholds(graph.MaturityThresholds)
	SetPluginID(string)
}

// ApplyTo pushes the plugin's bridge types, maturity thresholds and ID
// into g.
func (c *Config) ApplyTo(g GraphSettings) {
	g.SetPluginID(c.Metadata.ID)
	g.SetBridgeTypes(c.Bridges())
	g.SetMaturityThresholds(c.Thresholds())
}

// Bidirectional reports whether edges of type t are bidirectional by
// default.
func (c *Config) Bidirectional(t graph.EdgeType) bool {
	for _, et := range c.EdgeTypes {
		if et.Type == string(t) {
			return et.Bidirectional
		}
	}
	return false
}

// DefaultWeight returns the configured default weight for an edge type,
// or 1.0.
func (c *Config) DefaultWeight(t graph.EdgeType) float64 {
	for _, et := range c.EdgeTypes {
		if et.Type == string(t) {
			return et.DefaultWeight
		}
	}
	return 1.0
}

func rate(v float64) *float64 { return &v }

// Default returns the built-in AAC plugin.
func Default() *Config {
	bridges := make([]string, 0, len(graph.DefaultBridgeTypes))
	for _, bt := range graph.DefaultBridgeTypes {
		bridges = append(bridges, string(bt))
	}

	return &Config{
		Metadata: Metadata{
			ID:          "aac",
			Name:        "Augmentative Communication",
			Version:     "1.0.0",
			Description: "Context for augmentative and alternative communication",
		},
		NodeTypes: []NodeType{
			{Type: string(graph.KindUser), Icon: "User", Persistent: true, DecayRate: rate(0)},
			{Type: string(graph.KindPersonalInfo), Icon: "IdCard", Persistent: true, DecayRate: rate(0)},
			{Type: string(graph.KindMedicalInfo), Icon: "Heart", Persistent: true, DecayRate: rate(0)},
			{Type: string(graph.KindScript), Icon: "MessageSquare", Persistent: true, DecayRate: rate(0.001)},
			{Type: string(graph.KindVocabItem), Icon: "BookOpen", Persistent: true, DecayRate: rate(0.001)},
			{Type: string(graph.KindPartner), Icon: "Users", Persistent: true, DecayRate: rate(0.005)},
			{Type: string(graph.KindLocation), Icon: "MapPin", DecayRate: rate(0.1)},
			{Type: string(graph.KindService), Icon: "QrCode", DecayRate: rate(0.05)},
			{Type: string(graph.KindTask), Icon: "CheckSquare", DecayRate: rate(0.02)},
			{Type: string(graph.KindTemporal), Icon: "Clock", DecayRate: rate(0.2)},
		},
		EdgeTypes: []EdgeType{
			{Type: string(graph.EdgeConnectedTo), Bidirectional: true, DefaultWeight: 0.5},
			{Type: string(graph.EdgePartOf), DefaultWeight: 0.8},
			{Type: string(graph.EdgeHasAttribute), DefaultWeight: 0.7},
			{Type: string(graph.EdgeUsesInContext), DefaultWeight: 0.8},
			{Type: string(graph.EdgePrefersOver), DefaultWeight: 0.9},
		},
		BridgeTypes: bridges,
	}
}
