package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Benny93/bloom/internal/decay"
	"github.com/Benny93/bloom/internal/ingestion"
	"github.com/Benny93/bloom/internal/modules"
	"github.com/Benny93/bloom/internal/observability"
	"github.com/Benny93/bloom/internal/server"
	"github.com/Benny93/bloom/internal/storage"
)

const metricsNamespace = "bloom"

// ServeCmd runs the HTTP API together with the background loops.
type ServeCmd struct {
	Host    string `help:"Listen host (overrides config)"`
	Port    int    `short:"p" help:"Listen port (overrides config)"`
	NoDecay bool   `help:"Disable the decay ticker"`
	NoInbox bool   `help:"Disable the inbox watcher"`
	NoWatch bool   `help:"Do not reload the plugin when it changes"`
}

// Run executes the serve command.
func (c *ServeCmd) Run(globals *Globals) error {
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

	if c.Host != "" {
		ws.cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		ws.cfg.Server.Port = c.Port
	}

	ln, err := net.Listen("tcp", ws.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", ws.cfg.ListenAddr(), err)
	}
	green.Fprintf(globals.stdout(), "Bloom listening on http://%s (plugin %s)\n", ln.Addr(), ws.plugin.Current().Metadata.ID)

	return c.serve(ctx, ws, ln)
}

// serve runs everything on ln until ctx is cancelled, then shuts down
// and saves the graph.
func (c *ServeCmd) serve(ctx context.Context, ws *workspace, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := ws.cfg
	logger := ws.logger

	metrics := observability.NewCollector(metricsNamespace)
	metrics.ObserveGraph(metricsNamespace, ws.graph)

	persister := storage.NewPersister(ws.backend, ws.graph,
		storage.WithDelay(cfg.Storage.PersistDelay),
		storage.WithLogger(logger.Named("persist")),
		storage.WithSaveRecorder(metrics))
	persister.Start()

	ingest := ws.ingestEngine(ingestion.WithRecorder(metrics))
	decayEngine := ws.decayEngine(decay.WithRecorder(metrics))

	srv := server.New(server.Deps{
		Graph:   ws.graph,
		Ingest:  ingest,
		Decay:   decayEngine,
		Modules: modules.DefaultRegistry(),
		Plugin:  ws.plugin,
		Metrics: metrics,
		Logger:  logger.Named("http"),
		Version: Version,
	})
	defer srv.Close()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(name+" stopped", zap.Error(err))
			}
		}()
	}

	run("websocket hub", func(ctx context.Context) error {
		srv.Run(ctx)
		return nil
	})

	if cfg.Decay.Enabled && !c.NoDecay {
		run("decay", func(ctx context.Context) error {
			return decayEngine.Run(ctx, cfg.Decay.Interval)
		})
	}

	if cfg.Plugin.Watch && !c.NoWatch && fileExists(cfg.Plugin.Path) {
		run("plugin watcher", func(ctx context.Context) error {
			return ws.plugin.Watch(ctx, cfg.Plugin.Path)
		})
	}

	if cfg.Inbox.Enabled && !c.NoInbox {
		if err := os.MkdirAll(cfg.Inbox.Dir, 0o755); err != nil {
			return fmt.Errorf("creating inbox: %w", err)
		}
		inbox, err := ingestion.NewInbox(cfg.Inbox.Dir, ingest,
			ingestion.WithPattern(cfg.Inbox.Pattern),
			ingestion.WithDebounce(cfg.Inbox.Debounce),
			ingestion.WithInboxLogger(logger.Named("inbox")))
		if err != nil {
			return err
		}
		run("inbox", inbox.Watch)
	}

	httpServer := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(ln) }()

	logger.Info("serving", zap.String("addr", ln.Addr().String()))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	wg.Wait()

	if err := persister.Stop(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("saving graph: %w", err))
	}
	logger.Info("stopped")
	return runErr
}
