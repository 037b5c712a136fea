package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Benny93/bloom/internal/config"
	"github.com/Benny93/bloom/internal/decay"
	"github.com/Benny93/bloom/internal/graph"
	"github.com/Benny93/bloom/internal/ingestion"
	"github.com/Benny93/bloom/internal/logging"
	"github.com/Benny93/bloom/internal/plugin"
	"github.com/Benny93/bloom/internal/storage"
)

// Globals are the flags shared by every command.
type Globals struct {
	Dir     string `short:"C" default:"." help:"Directory containing the .bloom workspace"`
	Storage string `help:"Override the storage backend (badger, sqlite, memory)"`
	Verbose bool   `short:"v" help:"Enable verbose output"`
	Quiet   bool   `short:"q" help:"Suppress non-essential output"`

	out io.Writer `kong:"-"`
}

func (g *Globals) stdout() io.Writer {
	if g.out == nil {
		return os.Stdout
	}
	return g.out
}

// workspace is an opened .bloom directory: its configuration, plugin and
// the graph loaded from storage.
type workspace struct {
	root     string
	cfg      *config.Config
	logger   *zap.Logger
	plugin   *plugin.Holder
	graph    *graph.ContextGraph
	backend  storage.Backend
	readOnly bool
}

// openWorkspace loads the workspace rooted at globals.Dir. Writable
// workspaces are created on demand; read-only ones must already exist.
func openWorkspace(ctx context.Context, globals *Globals, readOnly bool) (*workspace, error) {
	root, err := filepath.Abs(globals.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if globals.Storage != "" && globals.Storage != cfg.Storage.Backend {
		// A different backend lives at its own default path.
		cfg.Storage.Backend = globals.Storage
		cfg.Storage.Path = ""
		cfg.Resolve(filepath.Join(root, config.WorkspaceDir))
	}

	level := cfg.Log.Level
	switch {
	case globals.Verbose:
		level = "debug"
	case globals.Quiet:
		level = "error"
	}
	logger, err := logging.New(level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}

	ws := &workspace{
		root:     root,
		cfg:      cfg,
		logger:   logger,
		plugin:   plugin.NewHolder(nil, logger.Named("plugin")),
		readOnly: readOnly,
	}

	if fileExists(cfg.Plugin.Path) {
		if err := ws.plugin.Reload(cfg.Plugin.Path); err != nil {
			return nil, fmt.Errorf("loading plugin: %w", err)
		}
	}

	ws.graph = graph.NewContextGraph(graph.WithLogger(logger.Named("graph")))
	ws.plugin.Current().ApplyTo(ws.graph)
	ws.plugin.OnReload = func(c *plugin.Config) { c.ApplyTo(ws.graph) }

	if err := ws.openStorage(ctx); err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return ws, nil
}

func (ws *workspace) openStorage(ctx context.Context) error {
	kind := storage.Kind(ws.cfg.Storage.Backend)
	path := ws.cfg.Storage.Path

	if kind != storage.KindMemory {
		if ws.readOnly {
			if !fileExists(path) {
				return fmt.Errorf("no context graph found at %s. Run 'bloom ingest' or 'bloom serve' first", ws.root)
			}
		} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating workspace: %w", err)
		}
	}

	backend, err := storage.Open(kind, path, ws.readOnly)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	snap, err := backend.Load(ctx)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("loading graph: %w", err)
	}
	ws.graph.Import(snap)
	ws.backend = backend
	ws.logger.Debug("workspace opened",
		zap.String("root", ws.root),
		zap.String("storage", string(kind)),
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("edges", len(snap.Edges)))
	return nil
}

func (ws *workspace) save(ctx context.Context) error {
	if ws.readOnly {
		return storage.ErrReadOnly
	}
	if err := ws.backend.Save(ctx, ws.graph.Export()); err != nil {
		return fmt.Errorf("saving graph: %w", err)
	}
	return nil
}

func (ws *workspace) close() {
	if err := ws.backend.Close(); err != nil {
		ws.logger.Warn("closing storage", zap.Error(err))
	}
	_ = ws.logger.Sync()
}

func (ws *workspace) ingestEngine(opts ...ingestion.Option) *ingestion.Engine {
	opts = append([]ingestion.Option{
		ingestion.WithLogger(ws.logger.Named("ingest")),
		ingestion.WithPersistenceDefaults(ws.plugin),
	}, opts...)
	return ingestion.NewEngine(ws.graph, opts...)
}

func (ws *workspace) decayEngine(opts ...decay.Option) *decay.Engine {
	opts = append([]decay.Option{
		decay.WithLogger(ws.logger.Named("decay")),
		decay.WithRates(ws.plugin),
	}, opts...)
	return decay.NewEngine(ws.graph, opts...)
}

func (ws *workspace) dir() string {
	return filepath.Join(ws.root, config.WorkspaceDir)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
