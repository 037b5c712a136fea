// Package ingestion normalises external signals into context nodes and
// hands them to the graph store.
package ingestion

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Benny93/bloom/internal/graph"
)

var (
	// ErrInvalidSignal is returned for signals that fail validation.
	ErrInvalidSignal = errors.New("invalid signal")

	// ErrUnsupportedSignal is returned for signal types with no
	// normalisation rule.
	ErrUnsupportedSignal = errors.New("unsupported signal type")
)

// Store receives normalised nodes.
type Store interface {
	AddNode(node graph.Node) error
	GetNode(id string) (graph.Node, bool)
}

// PersistenceDefaults reports whether a kind is persistent unless the
// signal says otherwise.
type PersistenceDefaults interface {
	PersistentDefault(kind graph.NodeKind) bool
}

// Recorder observes ingestion outcomes.
type Recorder interface {
	SignalAccepted(signalType string)
	SignalRejected(signalType, reason string)
}

type nopRecorder struct{}

func (nopRecorder) SignalAccepted(string)         {}
func (nopRecorder) SignalRejected(string, string) {}

// Engine normalises signals and submits the resulting nodes.
type Engine struct {
	store    Store
	defaults PersistenceDefaults
	validate *validator.Validate
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the clock used for signals without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithPersistenceDefaults sets the per-kind persistence lookup used for
// non-manual signals.
func WithPersistenceDefaults(d PersistenceDefaults) Option {
	return func(e *Engine) {
		e.defaults = d
	}
}

// NewEngine creates an Engine that feeds store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ingest validates sig, normalises it and submits the node to the store.
// It returns the node as stored, which differs from the normalised one when
// the signal merged into an existing node. Nothing is stored when an error
// is returned.
func (e *Engine) Ingest(sig Signal) (graph.Node, error) {
	node, err := e.Normalize(sig)
	if err != nil {
		e.reject(sig, err)
		return graph.Node{}, err
	}
	if err := e.store.AddNode(node); err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidSignal, err)
		e.reject(sig, err)
		return graph.Node{}, err
	}
	if stored, ok := e.store.GetNode(node.ID); ok {
		node = stored
	}
	e.recorder.SignalAccepted(string(sig.Type))
	e.logger.Debug("signal ingested",
		zap.String("type", string(sig.Type)),
		zap.String("node", node.ID))
	return node, nil
}

func (e *Engine) reject(sig Signal, err error) {
	reason := "invalid"
	if errors.Is(err, ErrUnsupportedSignal) {
		reason = "unsupported"
	}
	e.recorder.SignalRejected(string(sig.Type), reason)
	e.logger.Warn("signal dropped", zap.String("type", string(sig.Type)), zap.Error(err))
}

// Normalize turns sig into a node without submitting it.
func (e *Engine) Normalize(sig Signal) (graph.Node, error) {
	if err := e.validate.Struct(sig); err != nil {
		return graph.Node{}, fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}

	ts := sig.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	ms := ts.UnixMilli()

	var node graph.Node
	switch sig.Type {
	case SignalQR:
		label := sig.str("label")
		if label == "" {
			return graph.Node{}, fmt.Errorf("%w: QR payload needs a label", ErrInvalidSignal)
		}
		key := sig.str("id")
		if key == "" {
			key = label
		}
		node = graph.Node{
			ID:        fmt.Sprintf("qr:%s:%d", key, ms),
			Kind:      kindOr(sig.str("type"), graph.KindService),
			Label:     label,
			Relevance: 1.0,
			Layer:     graph.LayerWorld,
			Source:    graph.SourceQRScan,
			Data:      maps.Clone(sig.Payload),
		}
		node.Persistent = e.persistentDefault(node.Kind)

	case SignalGPS:
		label := sig.str("name")
		if label == "" {
			label = "Unknown Location"
		}
		node = graph.Node{
			ID:         fmt.Sprintf("gps:%d", ms),
			Kind:       graph.KindLocation,
			Label:      label,
			Relevance:  0.8,
			Layer:      graph.LayerWorld,
			Source:     graph.SourceGPSSignal,
			Data:       maps.Clone(sig.Payload),
			Persistent: e.persistentDefault(graph.KindLocation),
		}

	case SignalManual:
		label := sig.str("label")
		if label == "" {
			return graph.Node{}, fmt.Errorf("%w: MANUAL payload needs a label", ErrInvalidSignal)
		}
		layer := graph.LayerPersonal
		if l := sig.str("layer"); l != "" {
			layer = graph.Layer(l)
			if !layer.Valid() {
				return graph.Node{}, fmt.Errorf("%w: unknown layer %q", ErrInvalidSignal, l)
			}
		}
		id := sig.str("id")
		if id == "" {
			id = fmt.Sprintf("manual:%s:%d", label, ms)
		}
		persistent := true
		if p, ok := sig.boolean("persistent"); ok {
			persistent = p
		}
		focused, _ := sig.boolean("focused")
		node = graph.Node{
			ID:          id,
			Kind:        kindOr(sig.str("type"), graph.KindTask),
			Label:       label,
			Relevance:   1.0,
			Layer:       layer,
			Source:      graph.SourceManualInput,
			Persistent:  persistent,
			Focused:     focused,
			Section:     graph.Section(sig.str("section")),
			Description: sig.str("description"),
			ImageURL:    sig.str("imageUrl"),
			Data:        maps.Clone(sig.object("data")),
		}

	case SignalTime:
		period := sig.str("period")
		label := sig.str("label")
		if label == "" {
			label = period
		}
		if label == "" {
			return graph.Node{}, fmt.Errorf("%w: TIME payload needs a period or label", ErrInvalidSignal)
		}
		node = graph.Node{
			ID:         fmt.Sprintf("time:%s:%d", period, ms),
			Kind:       graph.KindTemporal,
			Label:      label,
			Relevance:  0.5,
			Layer:      graph.LayerWorld,
			Source:     graph.SourceTimeDecay,
			Persistent: e.persistentDefault(graph.KindTemporal),
		}

	default:
		return graph.Node{}, fmt.Errorf("%w: %s", ErrUnsupportedSignal, sig.Type)
	}

	node.Timestamp = ts
	return node, nil
}

func (e *Engine) persistentDefault(kind graph.NodeKind) bool {
	if e.defaults == nil {
		return false
	}
	return e.defaults.PersistentDefault(kind)
}

func kindOr(v string, fallback graph.NodeKind) graph.NodeKind {
	if v == "" {
		return fallback
	}
	return graph.NodeKind(v)
}
