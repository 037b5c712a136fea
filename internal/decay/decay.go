// Package decay lowers the relevance of transient nodes as they age and
// prunes the ones that fade out.
package decay

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/Benny93/bloom/internal/graph"
)

const (
	// DefaultRate is the per-minute rate for kinds without a configured one.
	DefaultRate = 0.05

	// Floor is the relevance below which a decayed node is deleted.
	Floor = 0.1

	// DefaultInterval is the sweep period used by Run.
	DefaultInterval = time.Minute
)

// Store is the part of the graph the engine rewrites.
type Store interface {
	Reweigh(fn func(graph.Node) (float64, bool)) (updated, removed []string)
}

// RateSource returns the decay rate for a kind and whether it is
// configured. plugin.Holder and plugin.Config satisfy it.
type RateSource interface {
	DecayRate(kind graph.NodeKind) (float64, bool)
}

// Recorder observes sweep outcomes.
type Recorder interface {
	DecaySwept(decayed, removed int, took time.Duration)
}

// Result lists the node IDs touched by one sweep.
type Result struct {
	Decayed []string `json:"decayed"`
	Removed []string `json:"removed"`
}

// Engine applies exponential decay to a Store.
type Engine struct {
	store    Store
	rates    RateSource
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRates sets the rate lookup.
func WithRates(r RateSource) Option {
	return func(e *Engine) { e.rates = r }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the clock used by Run.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a decay engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rate returns the per-minute decay rate for kind.
func (e *Engine) Rate(kind graph.NodeKind) float64 {
	if e.rates == nil {
		return DefaultRate
	}
	rate, ok := e.rates.DecayRate(kind)
	if !ok {
		return DefaultRate
	}
	return rate
}

// Relevance returns n's relevance after decaying it to now. Persistent
// nodes are returned unchanged.
func (e *Engine) Relevance(n graph.Node, now time.Time) float64 {
	if n.Persistent {
		return n.Relevance
	}
	age := now.Sub(n.Timestamp).Minutes()
	if age < 0 {
		age = 0
	}
	return n.Relevance * math.Exp(-e.Rate(n.Kind)*age)
}

// Apply runs one sweep as of now. Non-persistent nodes are decayed from
// their timestamp; those that drop below Floor are deleted along with
// their edges.
func (e *Engine) Apply(now time.Time) Result {
	start := time.Now()
	updated, removed := e.store.Reweigh(func(n graph.Node) (float64, bool) {
		if n.Persistent {
			return n.Relevance, true
		}
		r := e.Relevance(n, now)
		return r, r >= Floor
	})

	res := Result{Decayed: updated, Removed: removed}
	if e.recorder != nil {
		e.recorder.DecaySwept(len(updated), len(removed), time.Since(start))
	}
	if len(removed) > 0 {
		e.logger.Info("decay pruned nodes", zap.Strings("removed", removed), zap.Int("decayed", len(updated)))
	} else {
		e.logger.Debug("decay sweep", zap.Int("decayed", len(updated)))
	}
	return res
}

// Run sweeps every interval until ctx is cancelled. A non-positive
// interval means DefaultInterval.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Apply(e.now())
		}
	}
}
