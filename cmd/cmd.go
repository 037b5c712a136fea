// Package cmd provides CLI command implementations for Bloom.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/Benny93/bloom/internal/graph"
	"github.com/Benny93/bloom/internal/ingestion"
	"github.com/Benny93/bloom/internal/modules"
	"github.com/Benny93/bloom/internal/provenance"
	"github.com/Benny93/bloom/internal/storage"
	"github.com/Benny93/bloom/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	bold   = color.New(color.Bold)
)

// IngestCmd feeds one signal, or the inbox, into the graph.
type IngestCmd struct {
	Type    string `arg:"" optional:"" help:"Signal type (QR, GPS, MANUAL, TIME)"`
	Payload string `arg:"" optional:"" help:"Signal payload as a JSON object"`
	File    string `short:"f" type:"existingfile" help:"Read signals (one object or an array) from a JSON file"`
	Inbox   bool   `help:"Process the workspace inbox once"`
	Consent string `help:"Consent level (private, scoped, shared)"`
}

// Run executes the ingest command.
func (c *IngestCmd) Run(globals *Globals) error {
	ctx := context.Background()
	ws, err := openWorkspace(ctx, globals, false)
	if err != nil {
		return err
	}
	defer ws.close()

	engine := ws.ingestEngine()
	out := globals.stdout()

	switch {
	case c.Inbox:
		if err := os.MkdirAll(ws.cfg.Inbox.Dir, 0o755); err != nil {
			return fmt.Errorf("creating inbox: %w", err)
		}
		inbox, err := ingestion.NewInbox(ws.cfg.Inbox.Dir, engine,
			ingestion.WithPattern(ws.cfg.Inbox.Pattern),
			ingestion.WithInboxLogger(ws.logger.Named("inbox")))
		if err != nil {
			return err
		}
		report, err := inbox.Scan(ctx)
		if err != nil {
			return fmt.Errorf("processing inbox: %w", err)
		}
		green.Fprintf(out, "✓ Processed %d files: %d signals ingested, %d rejected\n",
			report.Files, len(report.Ingested), len(report.Rejected))

	case c.File != "":
		data, err := os.ReadFile(c.File)
		if err != nil {
			return fmt.Errorf("reading signals: %w", err)
		}
		signals, err := ingestion.DecodeSignals(data)
		if err != nil {
			return err
		}
		var failed int
		for _, sig := range signals {
			node, err := engine.Ingest(sig)
			if err != nil {
				failed++
				yellow.Fprintf(out, "✗ %s signal rejected: %v\n", sig.Type, err)
				continue
			}
			printIngested(out, node)
		}
		if failed == len(signals) {
			return fmt.Errorf("no signals ingested from %s", c.File)
		}

	default:
		if c.Type == "" {
			return errors.New("signal type required. Usage: bloom ingest <type> '<payload json>'")
		}
		payload := map[string]any{}
		if c.Payload != "" {
			if err := json.Unmarshal([]byte(c.Payload), &payload); err != nil {
				return fmt.Errorf("parsing payload: %w", err)
			}
		}
		node, err := engine.Ingest(ingestion.Signal{
			Type:    ingestion.SignalType(strings.ToUpper(c.Type)),
			Payload: payload,
			Consent: ingestion.ConsentLevel(c.Consent),
		})
		if err != nil {
			return err
		}
		printIngested(out, node)
	}

	return ws.save(ctx)
}

func printIngested(w io.Writer, n graph.Node) {
	green.Fprintf(w, "✓ %s ", n.Kind)
	fmt.Fprintf(w, "%q [%s] layer=%s relevance=%.2f\n", n.Label, n.ID, n.Layer, n.Relevance)
}

// ConnectCmd adds an edge between two nodes.
type ConnectCmd struct {
	Source        string  `arg:"" help:"Source node ID"`
	Target        string  `arg:"" help:"Target node ID"`
	Type          string  `arg:"" help:"Edge type, e.g. PREFERS_OVER"`
	Weight        float64 `short:"w" default:"-1" help:"Edge weight in [0,1] (default from plugin)"`
	Bidirectional bool    `short:"b" help:"Mark the edge bidirectional"`
	ID            string  `help:"Edge ID (generated when empty)"`
}

// Run executes the connect command.
func (c *ConnectCmd) Run(globals *Globals) error {
	ctx := context.Background()
	ws, err := openWorkspace(ctx, globals, false)
	if err != nil {
		return err
	}
	defer ws.close()

	edgeType := graph.EdgeType(strings.ToUpper(c.Type))
	cfg := ws.plugin.Current()
	edge := graph.Edge{
		ID:            c.ID,
		Source:        c.Source,
		Target:        c.Target,
		Type:          edgeType,
		Weight:        cfg.DefaultWeight(edgeType),
		Bidirectional: c.Bidirectional || cfg.Bidirectional(edgeType),
		SourceType:    graph.SourceUserCreated,
	}
	if c.Weight >= 0 {
		edge.Weight = c.Weight
	}

	stored, err := ws.graph.AddEdge(edge)
	if err != nil {
		var verr *graph.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("edge rejected: %s", verr.Reason)
		}
		return err
	}

	green.Fprintf(globals.stdout(), "✓ %s --[%s]--> %s (weight %.2f, id %s)\n",
		stored.Source, stored.Type, stored.Target, stored.Weight, stored.ID)
	return ws.save(ctx)
}

// TraceCmd explains why a node is in context.
type TraceCmd struct {
	NodeID string `arg:"" help:"Node ID to explain"`
	Depth  int    `short:"d" default:"3" help:"Maximum chain length"`
	JSON   bool   `help:"Print chains as JSON"`
}

// Run executes the trace command.
func (c *TraceCmd) Run(globals *Globals) error {
	ctx := context.Background()
	ws, err := openWorkspace(ctx, globals, true)
	if err != nil {
		return err
	}
	defer ws.close()

	out := globals.stdout()
	node, ok := ws.graph.GetNode(c.NodeID)
	if !ok {
		fmt.Fprintf(out, "Node '%s' not found in the context graph.\n", c.NodeID)
		return nil
	}

	chains := provenance.Trace(ws.graph, c.NodeID, c.Depth)
	if c.JSON {
		return writeJSON(out, chains)
	}

	bold.Fprintf(out, "## Why '%s' is in context (depth: %d)\n\n", node.Label, c.Depth)
	if len(chains) == 0 {
		fmt.Fprintln(out, "No reasoning chains reach this node from the personal layer.")
		return nil
	}
	fmt.Fprintln(out, provenance.Format(chains))
	return nil
}

// ResolveCmd shows which UI module renders a node.
type ResolveCmd struct {
	NodeID    string  `arg:"" optional:"" help:"Node ID (all active nodes when omitted)"`
	Threshold float64 `short:"t" default:"0.3" help:"Relevance threshold for active nodes"`
}

// Run executes the resolve command.
func (c *ResolveCmd) Run(globals *Globals) error {
	ctx := context.Background()
	ws, err := openWorkspace(ctx, globals, true)
	if err != nil {
		return err
	}
	defer ws.close()

	out := globals.stdout()
	registry := modules.DefaultRegistry()

	if c.NodeID != "" {
		node, ok := ws.graph.GetNode(c.NodeID)
		if !ok {
			fmt.Fprintf(out, "Node '%s' not found in the context graph.\n", c.NodeID)
			return nil
		}
		d := registry.Resolve(node)
		fmt.Fprintf(out, "%s -> %s (%s, span %d)\n", node.Label, d.Component, d.ID, d.ColumnSpan)
		return nil
	}

	resolved := registry.ResolveActive(ws.graph.ActiveNodes(c.Threshold))
	if len(resolved) == 0 {
		fmt.Fprintln(out, "No active nodes")
		return nil
	}
	bold.Fprintf(out, "Active modules (%d)\n", len(resolved))
	for _, r := range resolved {
		fmt.Fprintf(out, "  %-16s %-28s %.2f  %dx%d\n", r.Component, r.Node.Label, r.Relevance, r.Layout.W, r.Layout.H)
	}
	return nil
}

// DecayCmd runs one decay sweep and saves the result.
type DecayCmd struct {
	DryRun bool `short:"n" help:"Report what would change without saving"`
}

// Run executes the decay command.
func (c *DecayCmd) Run(globals *Globals) error {
	ctx := context.Background()
	ws, err := openWorkspace(ctx, globals, false)
	if err != nil {
		return err
	}
	defer ws.close()

	res := ws.decayEngine().Apply(time.Now())
	out := globals.stdout()
	fmt.Fprintf(out, "Decayed %d nodes, removed %d\n", len(res.Decayed), len(res.Removed))
	for _, id := range res.Removed {
		yellow.Fprintf(out, "  - %s\n", id)
	}

	if c.DryRun {
		return nil
	}
	return ws.save(ctx)
}

// ExportCmd writes the graph as a snapshot.
type ExportCmd struct {
	Output   string `short:"o" default:"-" help:"Output file (- for stdout)"`
	Compress bool   `short:"z" help:"zstd-compress the snapshot"`
}

// Run executes the export command.
func (c *ExportCmd) Run(globals *Globals) error {
	ctx := context.Background()
	ws, err := openWorkspace(ctx, globals, true)
	if err != nil {
		return err
	}
	defer ws.close()

	snap := ws.graph.Export()
	if c.Output == "-" {
		return storage.WriteSnapshot(globals.stdout(), snap, c.Compress)
	}

	f, err := os.Create(c.Output)
	if err != nil {
		return fmt.Errorf("creating %s: %w", c.Output, err)
	}
	if err := storage.WriteSnapshot(f, snap, c.Compress); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	green.Fprintf(globals.stdout(), "✓ Exported %d nodes and %d edges to %s\n", len(snap.Nodes), len(snap.Edges), c.Output)
	return nil
}

// ImportCmd replaces the graph with a snapshot.
type ImportCmd struct {
	Input string `arg:"" type:"existingfile" help:"Snapshot file (JSON, optionally zstd-compressed)"`
}

// Run executes the import command.
func (c *ImportCmd) Run(globals *Globals) error {
	ctx := context.Background()
	f, err := os.Open(c.Input)
	if err != nil {
		return fmt.Errorf("opening %s: %w", c.Input, err)
	}
	defer f.Close()

	snap, err := storage.ReadSnapshot(f)
	if err != nil {
		return err
	}

	ws, err := openWorkspace(ctx, globals, false)
	if err != nil {
		return err
	}
	defer ws.close()

	ws.graph.Import(snap)
	stats := ws.graph.Stats()
	green.Fprintf(globals.stdout(), "✓ Imported %d nodes and %d edges\n", stats.Nodes, stats.Edges)
	return ws.save(ctx)
}

// StatusCmd shows the state of the context graph.
type StatusCmd struct {
	JSON bool `help:"Print status as JSON"`
}

// Run executes the status command.
func (c *StatusCmd) Run(globals *Globals) error {
	ctx := context.Background()
	ws, err := openWorkspace(ctx, globals, true)
	if err != nil {
		return err
	}
	defer ws.close()

	stats := ws.graph.Stats()
	summary := ws.graph.SectionSummary()
	cfg := ws.plugin.Current()

	var lastSaved time.Time
	if ts, ok := ws.backend.(storage.Timestamped); ok {
		lastSaved, _ = ts.LastSaved()
	}

	out := globals.stdout()
	if c.JSON {
		return writeJSON(out, map[string]any{
			"root":       ws.root,
			"storage":    ws.cfg.Storage.Backend,
			"plugin":     cfg.Metadata.ID,
			"stats":      stats,
			"sections":   summary,
			"last_saved": lastSaved,
		})
	}

	fmt.Fprintf(out, "Context graph at %s\n", ws.root)
	fmt.Fprintf(out, "  Plugin:         %s (%s)\n", cfg.Metadata.Name, cfg.Metadata.ID)
	fmt.Fprintf(out, "  Storage:        %s\n", ws.cfg.Storage.Backend)
	if !lastSaved.IsZero() {
		fmt.Fprintf(out, "  Last saved:     %s\n", lastSaved.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(out, "  Nodes:          %d\n", stats.Nodes)
	fmt.Fprintf(out, "  Edges:          %d\n", stats.Edges)
	fmt.Fprintf(out, "  Active:         %d\n", stats.Active)
	fmt.Fprintf(out, "  Focused:        %d\n", stats.Focused)
	fmt.Fprintf(out, "  Maturity:       %s\n", stats.Maturity)
	for _, sec := range graph.AllSections() {
		fmt.Fprintf(out, "  %-15s %d\n", string(sec)+":", summary[sec])
	}
	return nil
}

// ResetCmd clears the working context, keeping persistent nodes.
type ResetCmd struct {
	Force bool `short:"f" help:"Skip confirmation"`
}

// Run executes the reset command.
func (c *ResetCmd) Run(globals *Globals) error {
	ctx := context.Background()
	ws, err := openWorkspace(ctx, globals, false)
	if err != nil {
		return err
	}
	defer ws.close()

	out := globals.stdout()
	if !c.Force && !confirm(out, "Clear the working context (persistent nodes are kept)?") {
		fmt.Fprintln(out, "Aborted")
		return nil
	}

	before := ws.graph.NodeCount()
	ws.graph.Reset()
	green.Fprintf(out, "✓ Reset context: %d nodes removed, %d kept\n", before-ws.graph.NodeCount(), ws.graph.NodeCount())
	return ws.save(ctx)
}

// MCPCmd starts the MCP server.
type MCPCmd struct {
	Lines bool `help:"Use the line-delimited JSON-RPC loop instead of the SDK transport"`
}

// Run executes the mcp command.
func (c *MCPCmd) Run(globals *Globals) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-osSignalChannel():
			cancel()
		case <-ctx.Done():
		}
	}()

	ws, err := openWorkspace(ctx, globals, false)
	if err != nil {
		return err
	}
	defer ws.close()

	// Signals ingested over MCP are saved as they arrive.
	persister := storage.NewPersister(ws.backend, ws.graph,
		storage.WithDelay(ws.cfg.Storage.PersistDelay),
		storage.WithLogger(ws.logger.Named("persist")))
	persister.Start()
	defer func() { _ = persister.Stop(context.Background()) }()

	mcp.Version = Version
	server := mcp.NewServer(ws.graph, ws.ingestEngine(), modules.DefaultRegistry())

	// No output on stdout: it carries JSON-RPC only.
	if c.Lines {
		return server.Run(ctx, os.Stdin, os.Stdout)
	}
	err = server.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// CleanCmd deletes the workspace for the current directory.
type CleanCmd struct {
	Force bool `short:"f" help:"Skip confirmation"`
}

// Run executes the clean command.
func (c *CleanCmd) Run(globals *Globals) error {
	root, err := filepath.Abs(globals.Dir)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	bloomDir := filepath.Join(root, ".bloom")
	if _, err := os.Stat(bloomDir); os.IsNotExist(err) {
		return fmt.Errorf("no workspace found at %s. Nothing to clean", root)
	}

	out := globals.stdout()
	if !c.Force && !confirm(out, fmt.Sprintf("Delete workspace at %s?", bloomDir)) {
		fmt.Fprintln(out, "Aborted")
		return nil
	}

	if err := os.RemoveAll(bloomDir); err != nil {
		return fmt.Errorf("deleting workspace: %w", err)
	}

	green.Fprintf(out, "Deleted %s\n", bloomDir)
	return nil
}

// Helper functions

// osSignalChannel returns a channel that receives OS signals for graceful shutdown.
func osSignalChannel() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

func confirm(w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N] ", prompt)
	var response string
	_, _ = fmt.Scanln(&response)
	return response == "y" || response == "Y"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// CLI is the root Kong command structure.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Show version information"`

	// Commands
	Serve   ServeCmd   `cmd:"" help:"Run the HTTP API, websocket stream, decay and inbox"`
	Ingest  IngestCmd  `cmd:"" help:"Feed a signal into the context graph"`
	Connect ConnectCmd `cmd:"" help:"Add an edge between two nodes"`
	Trace   TraceCmd   `cmd:"" help:"Explain why a node is in context"`
	Resolve ResolveCmd `cmd:"" help:"Show which UI module renders a node"`
	Decay   DecayCmd   `cmd:"" help:"Run one decay sweep"`
	Export  ExportCmd  `cmd:"" help:"Write the graph as a snapshot"`
	Import  ImportCmd  `cmd:"" help:"Replace the graph with a snapshot"`
	Status  StatusCmd  `cmd:"" help:"Show the state of the context graph"`
	Reset   ResetCmd   `cmd:"" help:"Clear the working context"`
	MCP     MCPCmd     `cmd:"" help:"Start MCP server (stdio transport)"`
	Clean   CleanCmd   `cmd:"" help:"Delete the workspace"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// Execute parses command-line arguments and executes the selected command.
func (c *CLI) Execute(args []string) error {
	parser, err := kong.New(c,
		kong.Name("bloom"),
		kong.Description("Layered, decaying context graph for situated communication"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
		kong.Bind(&c.Globals),
	)
	if err != nil {
		return err
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kongCtx.Run()
}
