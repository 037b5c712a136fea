// Package observability exposes bloom's Prometheus metrics.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GraphStats is the read side of the graph sampled on every scrape.
type GraphStats interface {
	NodeCount() int
	EdgeCount() int
	FocusedCount() int
}

// Collector holds all Prometheus metrics for the application. Each
// collector owns its registry, so tests can create as many as they like.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Ingestion metrics
	SignalsIngested *prometheus.CounterVec
	SignalsRejected *prometheus.CounterVec

	// Decay metrics
	DecaySweeps   prometheus.Counter
	NodesDecayed  prometheus.Counter
	NodesPruned   prometheus.Counter
	DecayDuration prometheus.Histogram

	// Persistence metrics
	SnapshotSaves    *prometheus.CounterVec
	SnapshotDuration prometheus.Histogram
}

// NewCollector creates a collector whose metric names start with
// namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),

		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		SignalsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_ingested_total",
			Help:      "Signals normalised into nodes, by signal type",
		}, []string{"type"}),

		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_rejected_total",
			Help:      "Signals dropped, by signal type and reason",
		}, []string{"type", "reason"}),

		DecaySweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decay_sweeps_total",
			Help:      "Completed decay sweeps",
		}),

		NodesDecayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_decayed_total",
			Help:      "Node relevance updates written by decay",
		}),

		NodesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_pruned_total",
			Help:      "Nodes deleted after decaying below the floor",
		}),

		DecayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decay_sweep_duration_seconds",
			Help:      "Decay sweep duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),

		SnapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_saves_total",
			Help:      "Snapshot saves, by status",
		}, []string{"status"}),

		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_save_duration_seconds",
			Help:      "Snapshot save duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	c.registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.SignalsIngested,
		c.SignalsRejected,
		c.DecaySweeps,
		c.NodesDecayed,
		c.NodesPruned,
		c.DecayDuration,
		c.SnapshotSaves,
		c.SnapshotDuration,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveGraph registers gauges sampled from g on every scrape.
func (c *Collector) ObserveGraph(namespace string, g GraphStats) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_nodes",
			Help:      "Nodes currently in the context graph",
		}, func() float64 { return float64(g.NodeCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_edges",
			Help:      "Edges currently in the context graph",
		}, func() float64 { return float64(g.EdgeCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_focused_nodes",
			Help:      "Nodes currently in the focus set",
		}, func() float64 { return float64(g.FocusedCount()) }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latencies by chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// SignalAccepted implements ingestion.Recorder.
func (c *Collector) SignalAccepted(signalType string) {
	c.SignalsIngested.WithLabelValues(signalType).Inc()
}

// SignalRejected implements ingestion.Recorder.
func (c *Collector) SignalRejected(signalType, reason string) {
	c.SignalsRejected.WithLabelValues(signalType, reason).Inc()
}

// DecaySwept implements decay.Recorder.
func (c *Collector) DecaySwept(decayed, removed int, took time.Duration) {
	c.DecaySweeps.Inc()
	c.NodesDecayed.Add(float64(decayed))
	c.NodesPruned.Add(float64(removed))
	c.DecayDuration.Observe(took.Seconds())
}

// SnapshotSaved implements storage.SaveRecorder.
func (c *Collector) SnapshotSaved(took time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.SnapshotSaves.WithLabelValues(status).Inc()
	c.SnapshotDuration.Observe(took.Seconds())
}
