package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Benny93/bloom/internal/graph"
	"github.com/Benny93/bloom/internal/ingestion"
	"github.com/Benny93/bloom/internal/provenance"
)

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Graph.State())
}

func (s *Server) handlePlugin(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Plugin.Current())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Graph.Export())
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var snap graph.Snapshot
	if err := decodeJSON(r, &snap); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid snapshot: %w", err))
		return
	}
	s.deps.Graph.Import(snap)
	writeJSON(w, http.StatusOK, s.deps.Graph.Stats())
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var sig ingestion.Signal
	if err := decodeJSON(r, &sig); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	node, err := s.deps.Ingest.Ingest(sig)
	switch {
	case errors.Is(err, ingestion.ErrUnsupportedSignal):
		writeError(w, http.StatusUnprocessableEntity, err)
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
	default:
		writeJSON(w, http.StatusCreated, node)
	}
}

// handleListNodes filters by the layer, kind, section and active query
// parameters. active takes a relevance threshold, or "true" for the
// default one.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	g := s.deps.Graph

	var nodes []graph.Node
	switch {
	case q.Get("kind") != "":
		nodes = g.NodesByKind(graph.NodeKind(q.Get("kind")))
	case q.Get("layer") != "":
		nodes = g.NodesByLayer(graph.Layer(q.Get("layer")))
	case q.Get("section") != "":
		nodes = g.NodesBySection(graph.Section(q.Get("section")))
	case q.Get("focused") == "true":
		nodes = g.FocusedNodes()
	case q.Get("active") != "":
		threshold, err := parseThreshold(q.Get("active"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		nodes = g.ActiveNodes(threshold)
	default:
		nodes = g.Nodes()
	}
	if nodes == nil {
		nodes = []graph.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func parseThreshold(v string) (float64, error) {
	if v == "true" {
		return graph.DefaultActiveThreshold, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid active threshold %q", v)
	}
	return f, nil
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var node graph.Node
	if err := decodeJSON(r, &node); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	if err := s.deps.Graph.AddNode(node); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stored, _ := s.deps.Graph.GetNode(node.ID)
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	node, ok := s.deps.Graph.GetNode(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node":  node,
		"edges": nonNil(s.deps.Graph.EdgesForNode(id)),
	})
}

type nodePatchRequest struct {
	Kind        *graph.NodeKind `json:"type"`
	Label       *string         `json:"label"`
	Relevance   *float64        `json:"relevance"`
	Timestamp   *time.Time      `json:"timestamp"`
	Source      *graph.Source   `json:"source"`
	Persistent  *bool           `json:"persistent"`
	Section     *graph.Section  `json:"section"`
	Description *string         `json:"description"`
	ImageURL    *string         `json:"imageUrl"`
	Data        map[string]any  `json:"data"`
}

func (p nodePatchRequest) patch() graph.NodePatch {
	return graph.NodePatch{
		Kind:        p.Kind,
		Label:       p.Label,
		Relevance:   p.Relevance,
		Timestamp:   p.Timestamp,
		Source:      p.Source,
		Persistent:  p.Persistent,
		Section:     p.Section,
		Description: p.Description,
		ImageURL:    p.ImageURL,
		Data:        p.Data,
	}
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req nodePatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	if !s.deps.Graph.UpdateNode(id, req.patch()) {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id))
		return
	}
	node, _ := s.deps.Graph.GetNode(id)
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Graph.RemoveNode(id) {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Focused bool `json:"focused"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	if !s.deps.Graph.SetFocused(id, req.Focused) {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       id,
		"focused":  req.Focused,
		"maturity": s.deps.Graph.Maturity(),
	})
}

func (s *Server) handleProvenance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Graph.GetNode(id); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id))
		return
	}
	depth, err := intParam(r, "depth", provenance.DefaultMaxDepth)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	chains := provenance.Trace(s.deps.Graph, id, depth)
	writeJSON(w, http.StatusOK, map[string]any{
		"chains": nonNil(chains),
		"text":   provenance.Format(chains),
	})
}

func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	node, ok := s.deps.Graph.GetNode(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Modules.Resolve(node))
}

func (s *Server) handleTraverse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Graph.GetNode(id); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id))
		return
	}
	depth, err := intParam(r, "depth", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var types []graph.EdgeType
	if v := r.URL.Query().Get("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, graph.EdgeType(t))
			}
		}
	}
	writeJSON(w, http.StatusOK, nonNil(s.deps.Graph.Traverse(id, types, depth)))
}

type edgeRequest struct {
	ID            string         `json:"id"`
	Source        string         `json:"source"`
	Target        string         `json:"target"`
	Type          graph.EdgeType `json:"type"`
	Weight        *float64       `json:"weight"`
	Bidirectional *bool          `json:"bidirectional"`
	SourceType    graph.Source   `json:"source_type"`
}

func (s *Server) handleAddEdge(w http.ResponseWriter, r *http.Request) {
	var req edgeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}

	// Unset weight and direction come from the plugin's edge type.
	cfg := s.deps.Plugin.Current()
	edge := graph.Edge{
		ID:            req.ID,
		Source:        req.Source,
		Target:        req.Target,
		Type:          req.Type,
		Weight:        cfg.DefaultWeight(req.Type),
		Bidirectional: cfg.Bidirectional(req.Type),
		SourceType:    req.SourceType,
	}
	if req.Weight != nil {
		edge.Weight = *req.Weight
	}
	if req.Bidirectional != nil {
		edge.Bidirectional = *req.Bidirectional
	}
	if edge.SourceType == "" {
		edge.SourceType = graph.SourceUserCreated
	}

	stored, err := s.deps.Graph.AddEdge(edge)
	var verr *graph.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, graph.ErrNodeNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
	default:
		writeJSON(w, http.StatusCreated, stored)
	}
}

func (s *Server) handleDeleteEdge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Graph.RemoveEdge(id) {
		writeError(w, http.StatusNotFound, fmt.Errorf("edge not found: %s", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	active := s.deps.Graph.ActiveNodes(graph.DefaultActiveThreshold)
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  s.deps.Modules.Rules(),
		"active": s.deps.Modules.ResolveActive(active),
	})
}

func (s *Server) handleSections(w http.ResponseWriter, r *http.Request) {
	g := s.deps.Graph
	sections := make(map[graph.Section][]graph.Node, 4)
	for _, sec := range graph.AllSections() {
		sections[sec] = nonNil(g.NodesBySection(sec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":  g.SectionSummary(),
		"sections": sections,
	})
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Decay.Apply(s.deps.Now())
	writeJSON(w, http.StatusOK, map[string]any{
		"decayed": nonNil(res.Decayed),
		"removed": nonNil(res.Removed),
		"stats":   s.deps.Graph.Stats(),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Graph.Reset()
	writeJSON(w, http.StatusOK, s.deps.Graph.Stats())
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
