// Package mcp provides the MCP (Model Context Protocol) server for Bloom.
//
// The server only hands context out and takes signals in; it never calls a
// model itself.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Benny93/bloom/internal/graph"
	"github.com/Benny93/bloom/internal/ingestion"
	"github.com/Benny93/bloom/internal/modules"
	"github.com/Benny93/bloom/internal/provenance"
)

// Version is reported to clients during initialization.
var Version = "0.1.0"

const defaultActiveLimit = 20

// Server represents the MCP server.
type Server struct {
	graph   Graph
	ingest  Ingester
	modules *modules.Registry
	server  *mcp.Server
}

// Graph is the read side of the context graph the tools need.
type Graph interface {
	GetNode(id string) (graph.Node, bool)
	IncomingEdges(id string) []graph.Edge
	ActiveNodes(threshold float64) []graph.Node
	SectionSummary() map[graph.Section]int
	Stats() graph.Stats
	BridgeTypes() []graph.EdgeType
}

// Ingester turns a signal into a node.
type Ingester interface {
	Ingest(sig ingestion.Signal) (graph.Node, error)
}

// Tool represents an MCP tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Resource represents an MCP resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// NewServer creates a new MCP server. A nil registry means the default
// module rules.
func NewServer(g Graph, ingest Ingester, registry *modules.Registry) *Server {
	if registry == nil {
		registry = modules.DefaultRegistry()
	}
	s := &Server{
		graph:   g,
		ingest:  ingest,
		modules: registry,
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "bloom",
		Version: Version,
	}, nil)

	s.registerTools()
	s.registerResources()

	return s
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []Tool {
	return []Tool{
		{
			Name:        "bloom_trace",
			Description: "Explain why a node is in context: reasoning chains from the user's personal nodes to it, strongest first.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"node_id": {Type: "string", Description: "ID of the node to explain"},
					"depth":   {Type: "integer", Description: "Maximum chain length (default 3)"},
				},
				Required: []string{"node_id"},
			},
		},
		{
			Name:        "bloom_active",
			Description: "List the nodes currently in context, most relevant first.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"threshold": {Type: "number", Description: "Minimum relevance (default 0.3)"},
					"limit":     {Type: "integer", Description: "Maximum number of nodes"},
				},
			},
		},
		{
			Name:        "bloom_resolve",
			Description: "Show which UI module renders a node and at what width.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"node_id": {Type: "string", Description: "ID of the node"},
				},
				Required: []string{"node_id"},
			},
		},
		{
			Name:        "bloom_ingest",
			Description: "Feed a signal (QR, GPS, MANUAL or TIME) into the context graph.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"type":    {Type: "string", Description: "Signal type", Enum: []any{"QR", "GPS", "MANUAL", "TIME"}},
					"payload": {Type: "object", Description: "Signal payload"},
					"consent": {Type: "string", Description: "Consent level", Enum: []any{"private", "scoped", "shared"}},
				},
				Required: []string{"type", "payload"},
			},
		},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []Resource {
	return []Resource{
		{
			URI:         "bloom://overview",
			Name:        "Context Overview",
			Description: "Size, maturity and section breakdown of the context graph",
			MimeType:    "text/plain",
		},
		{
			URI:         "bloom://schema",
			Name:        "Graph Schema",
			Description: "Layers, bridge edge types and the layering rule",
			MimeType:    "text/plain",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "bloom_trace":
		nodeID, _ := args["node_id"].(string)
		depth, _ := args["depth"].(float64)
		return s.handleTrace(nodeID, int(depth))
	case "bloom_active":
		threshold, ok := args["threshold"].(float64)
		if !ok {
			threshold = graph.DefaultActiveThreshold
		}
		limit, _ := args["limit"].(float64)
		if limit <= 0 {
			limit = defaultActiveLimit
		}
		return s.handleActive(threshold, int(limit))
	case "bloom_resolve":
		nodeID, _ := args["node_id"].(string)
		return s.handleResolve(nodeID)
	case "bloom_ingest":
		return s.handleIngest(args)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case "bloom://overview":
		return s.overview(), nil
	case "bloom://schema":
		return s.schema(), nil
	default:
		return "", fmt.Errorf("unknown resource: %s", uri)
	}
}

// Serve runs the server on the SDK's stdio transport until the client
// disconnects or ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Run serves newline-delimited JSON-RPC on the given streams.
func (s *Server) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if stdin == nil || stdout == nil {
		return fmt.Errorf("stdin and stdout must not be nil")
	}

	reader := bufio.NewReader(stdin)
	// MCP requires compact JSON, one message per line.
	encoder := json.NewEncoder(stdout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		var req map[string]any
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		// Notifications carry no id and get no reply.
		if _, ok := req["id"]; !ok {
			continue
		}

		resp := s.handleRequest(ctx, req)
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req map[string]any) map[string]any {
	method, _ := req["method"].(string)
	id := req["id"]

	switch method {
	case "initialize":
		return s.handleInitialize(id)
	case "ping":
		return result(id, map[string]any{})
	case "tools/list":
		return s.handleToolsList(id)
	case "tools/call":
		return s.handleToolsCall(ctx, id, req)
	case "resources/list":
		return s.handleResourcesList(id)
	case "resources/read":
		return s.handleResourcesRead(ctx, id, req)
	default:
		return errorResponse(id, -32601, "Method not found: "+method)
	}
}

func (s *Server) handleInitialize(id any) map[string]any {
	return result(id, map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo": map[string]any{
			"name":    "bloom",
			"version": Version,
		},
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{"listChanged": false},
		},
	})
}

func (s *Server) handleToolsList(id any) map[string]any {
	tools := s.ListTools()
	toolList := make([]map[string]any, len(tools))
	for i, tool := range tools {
		raw, _ := json.Marshal(tool.InputSchema)
		var schemaMap map[string]any
		_ = json.Unmarshal(raw, &schemaMap)

		toolList[i] = map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": schemaMap,
		}
	}
	return result(id, map[string]any{"tools": toolList})
}

func (s *Server) handleToolsCall(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]any)

	text, err := s.CallTool(ctx, name, args)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}
	return result(id, map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	})
}

func (s *Server) handleResourcesList(id any) map[string]any {
	resources := s.ListResources()
	list := make([]map[string]any, len(resources))
	for i, res := range resources {
		list[i] = map[string]any{
			"uri":         res.URI,
			"name":        res.Name,
			"description": res.Description,
			"mimeType":    res.MimeType,
		}
	}
	return result(id, map[string]any{"resources": list})
}

func (s *Server) handleResourcesRead(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	uri, _ := params["uri"].(string)
	content, err := s.ReadResource(ctx, uri)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}
	return result(id, map[string]any{
		"contents": []map[string]any{{"uri": uri, "mimeType": "text/plain", "text": content}},
	})
}

// Tool handlers

func (s *Server) handleTrace(nodeID string, depth int) (string, error) {
	if nodeID == "" {
		return "No node_id provided", nil
	}
	node, ok := s.graph.GetNode(nodeID)
	if !ok {
		return fmt.Sprintf("Node '%s' not found.", nodeID), nil
	}

	chains := provenance.Trace(s.graph, nodeID, depth)
	if len(chains) == 0 {
		return fmt.Sprintf("No personal reasoning chains lead to '%s'.", node.Label), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Why '%s' is in context\n\n", node.Label)
	sb.WriteString(provenance.Format(chains))
	sb.WriteString("\n")
	return sb.String(), nil
}

func (s *Server) handleActive(threshold float64, limit int) (string, error) {
	nodes := s.graph.ActiveNodes(threshold)
	if len(nodes) == 0 {
		return fmt.Sprintf("No nodes at or above relevance %.2f.", threshold), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Active context (%d nodes)\n\n", len(nodes))
	for i, r := range s.modules.ResolveActive(nodes) {
		if i == limit {
			fmt.Fprintf(&sb, "\n... and %d more\n", len(nodes)-limit)
			break
		}
		n := r.Node
		marker := ""
		if n.Focused {
			marker = " *focused*"
		}
		fmt.Fprintf(&sb, "- **%s** (%s, %s) relevance %.2f, module %s [%s]%s\n",
			n.Label, n.Kind, n.Layer, n.Relevance, r.Component, n.ID, marker)
	}
	return sb.String(), nil
}

func (s *Server) handleResolve(nodeID string) (string, error) {
	if nodeID == "" {
		return "No node_id provided", nil
	}
	node, ok := s.graph.GetNode(nodeID)
	if !ok {
		return fmt.Sprintf("Node '%s' not found.", nodeID), nil
	}

	d := s.modules.Resolve(node)
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Module for '%s'\n\n", node.Label)
	fmt.Fprintf(&sb, "- Module: %s (%s)\n", d.Name, d.ID)
	fmt.Fprintf(&sb, "- Component: %s\n", d.Component)
	fmt.Fprintf(&sb, "- Priority: %d\n", d.Priority)
	fmt.Fprintf(&sb, "- Column span: %d\n", d.ColumnSpan)
	return sb.String(), nil
}

func (s *Server) handleIngest(args map[string]any) (string, error) {
	if s.ingest == nil {
		return "", errors.New("ingestion is not available")
	}
	sigType, _ := args["type"].(string)
	payload, _ := args["payload"].(map[string]any)
	consent, _ := args["consent"].(string)

	node, err := s.ingest.Ingest(ingestion.Signal{
		Type:    ingestion.SignalType(sigType),
		Payload: payload,
		Consent: ingestion.ConsentLevel(consent),
	})
	if err != nil {
		return fmt.Sprintf("Signal rejected: %v", err), nil
	}
	return fmt.Sprintf("Ingested %s node '%s' [%s] into the %s layer.", node.Kind, node.Label, node.ID, node.Layer), nil
}

// Resource handlers

func (s *Server) overview() string {
	stats := s.graph.Stats()
	summary := s.graph.SectionSummary()

	var sb strings.Builder
	sb.WriteString("# Bloom Context Overview\n\n")
	fmt.Fprintf(&sb, "**Nodes:** %d\n", stats.Nodes)
	fmt.Fprintf(&sb, "**Edges:** %d\n", stats.Edges)
	fmt.Fprintf(&sb, "**Active:** %d\n", stats.Active)
	fmt.Fprintf(&sb, "**Focused:** %d\n", stats.Focused)
	fmt.Fprintf(&sb, "**Maturity:** %s\n", stats.Maturity)
	fmt.Fprintf(&sb, "**Signals:** %d\n", stats.SignalCount)
	sb.WriteString("\n## Sections\n\n")
	for _, sec := range graph.AllSections() {
		fmt.Fprintf(&sb, "- %s: %d\n", sec, summary[sec])
	}
	return sb.String()
}

func (s *Server) schema() string {
	var sb strings.Builder
	sb.WriteString("# Bloom Context Graph Schema\n\n")
	sb.WriteString("## Layers\n\n")
	sb.WriteString("| Layer | Holds |\n")
	sb.WriteString("|-------|-------|\n")
	sb.WriteString("| `world` | Objective, shared facts (places, services, tasks) |\n")
	sb.WriteString("| `personal` | The user's preferences, feelings and memories |\n")
	sb.WriteString("| `bridge` | Reified connections between the two |\n")
	sb.WriteString("\n## Layering rule\n\n")
	sb.WriteString("An edge between a world node and a personal node must use one of the bridge types:\n\n")
	for _, t := range s.graph.BridgeTypes() {
		fmt.Fprintf(&sb, "- `%s`\n", t)
	}
	sb.WriteString("\nAll other pairs accept any edge type.\n")
	sb.WriteString("\n## Relevance\n\n")
	sb.WriteString("Relevance is in [0,1] and decays exponentially per minute. Persistent nodes do not decay.\n")
	return sb.String()
}

// Helper functions

func result(id any, v map[string]any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  v,
	}
}

func errorResponse(id any, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}

// registerTools exposes ListTools on the SDK server, dispatching to
// CallTool.
func (s *Server) registerTools() {
	for _, tool := range s.ListTools() {
		name := tool.Name
		s.server.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := map[string]any{}
			if len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					return nil, fmt.Errorf("decoding arguments: %w", err)
				}
			}
			text, err := s.CallTool(ctx, name, args)
			if err != nil {
				return nil, err
			}
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil
		})
	}
}

// registerResources exposes ListResources on the SDK server.
func (s *Server) registerResources() {
	for _, res := range s.ListResources() {
		s.server.AddResource(&mcp.Resource{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MIMEType:    res.MimeType,
		}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			text, err := s.ReadResource(ctx, req.Params.URI)
			if err != nil {
				return nil, err
			}
			return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{
				{URI: req.Params.URI, MIMEType: "text/plain", Text: text},
			}}, nil
		})
	}
}
