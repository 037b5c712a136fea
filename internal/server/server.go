// Package server exposes the context graph over HTTP and streams graph
// snapshots to websocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Benny93/bloom/internal/decay"
	"github.com/Benny93/bloom/internal/graph"
	"github.com/Benny93/bloom/internal/ingestion"
	"github.com/Benny93/bloom/internal/modules"
	"github.com/Benny93/bloom/internal/observability"
	"github.com/Benny93/bloom/internal/plugin"
)

// Deps are the components the server exposes. Graph, Ingest, Decay,
// Modules and Plugin are required.
type Deps struct {
	Graph   *graph.ContextGraph
	Ingest  *ingestion.Engine
	Decay   *decay.Engine
	Modules *modules.Registry
	Plugin  *plugin.Holder
	Metrics *observability.Collector
	Logger  *zap.Logger
	Version string
	Now     func() time.Time
}

// Server is the bloom HTTP API server.
type Server struct {
	deps     Deps
	hub      *Hub
	sub      *graph.Subscription
	router   chi.Router
	upgrader websocket.Upgrader
	logger   *zap.Logger
	started  time.Time
}

// New creates a Server and subscribes its websocket hub to the graph.
// Call Run to start the hub and Close to unsubscribe.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Server{
		deps:    deps,
		hub:     NewHub(deps.Logger.Named("ws")),
		logger:  deps.Logger,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local single-user API; browsers on any origin may watch.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.sub = deps.Graph.Subscribe(s.hub.PublishState)
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Run runs the websocket hub until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

// Close detaches the server from the graph.
func (s *Server) Close() {
	s.sub.Unsubscribe()
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.Middleware)
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/state", s.handleState)
		r.Get("/plugin", s.handlePlugin)

		r.Get("/graph", s.handleExport)
		r.Put("/graph", s.handleImport)

		r.Post("/signals", s.handleIngest)

		r.Get("/nodes", s.handleListNodes)
		r.Post("/nodes", s.handleAddNode)
		r.Route("/nodes/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetNode)
			r.Patch("/", s.handleUpdateNode)
			r.Delete("/", s.handleDeleteNode)
			r.Put("/focus", s.handleFocus)
			r.Get("/provenance", s.handleProvenance)
			r.Get("/module", s.handleModule)
			r.Get("/traverse", s.handleTraverse)
		})

		r.Post("/edges", s.handleAddEdge)
		r.Delete("/edges/{id}", s.handleDeleteEdge)

		r.Get("/modules", s.handleModules)
		r.Get("/sections", s.handleSections)

		r.Post("/decay", s.handleDecay)
		r.Post("/reset", s.handleReset)

		r.Get("/ws", s.handleWebsocket)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.deps.Version,
		"uptime":  time.Since(s.started).Seconds(),
		"plugin":  s.deps.Plugin.Current().Metadata.ID,
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	initial, err := encodeMessage("state", s.deps.Graph.State())
	if err != nil {
		s.logger.Error("encoding initial state", zap.Error(err))
		conn.Close()
		return
	}
	newClient(s.hub, conn, s.logger.Named("ws")).start(initial)
}

const maxBodyBytes = 8 << 20

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	var verr *graph.ValidationError
	if errors.As(err, &verr) {
		resp.Reason = verr.Reason
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(v)
}
