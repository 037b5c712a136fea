package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Benny93/bloom/internal/graph"
)

// DefaultPersistDelay is the quiet period before a changed graph is saved.
const DefaultPersistDelay = time.Second

// Source is the graph side of a Persister.
type Source interface {
	Export() graph.Snapshot
	Subscribe(fn func(graph.State)) *graph.Subscription
}

// SaveRecorder observes snapshot saves.
type SaveRecorder interface {
	SnapshotSaved(took time.Duration, err error)
}

// Persister saves the graph to a Backend shortly after it changes. Bursts
// of mutations collapse into one save of the latest state.
type Persister struct {
	backend  Backend
	source   Source
	delay    time.Duration
	logger   *zap.Logger
	recorder SaveRecorder

	mu    sync.Mutex
	sub   *graph.Subscription
	timer *time.Timer
	dirty bool

	saveMu sync.Mutex
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithDelay overrides DefaultPersistDelay.
func WithDelay(d time.Duration) PersisterOption {
	return func(p *Persister) {
		if d > 0 {
			p.delay = d
		}
	}
}

// WithLogger sets the persister logger.
func WithLogger(l *zap.Logger) PersisterOption {
	return func(p *Persister) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithSaveRecorder attaches a metrics recorder.
func WithSaveRecorder(r SaveRecorder) PersisterOption {
	return func(p *Persister) { p.recorder = r }
}

// NewPersister creates a persister. Call Start to begin watching source.
func NewPersister(backend Backend, source Source, opts ...PersisterOption) *Persister {
	p := &Persister{
		backend: backend,
		source:  source,
		delay:   DefaultPersistDelay,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start subscribes to the source. Calling it twice is a no-op.
func (p *Persister) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub != nil {
		return
	}
	p.sub = p.source.Subscribe(func(graph.State) { p.schedule() })
}

func (p *Persister) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = true
	if p.timer == nil {
		p.timer = time.AfterFunc(p.delay, p.fire)
		return
	}
	p.timer.Reset(p.delay)
}

func (p *Persister) fire() {
	if err := p.Flush(context.Background()); err != nil {
		p.logger.Error("saving snapshot", zap.Error(err))
	}
}

// Flush saves the current graph now if it changed since the last save.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	dirty := p.dirty
	p.dirty = false
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	if !dirty {
		return nil
	}
	return p.Save(ctx)
}

// Save writes the current graph unconditionally.
func (p *Persister) Save(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	start := time.Now()
	snap := p.source.Export()
	err := p.backend.Save(ctx, snap)
	took := time.Since(start)

	if p.recorder != nil {
		p.recorder.SnapshotSaved(took, err)
	}
	if err != nil {
		p.mu.Lock()
		p.dirty = true
		p.mu.Unlock()
		return err
	}
	p.logger.Debug("snapshot saved",
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("edges", len(snap.Edges)),
		zap.Duration("took", took))
	return nil
}

// Stop unsubscribes and saves any pending change.
func (p *Persister) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.sub != nil {
		p.sub.Unsubscribe()
		p.sub = nil
	}
	p.mu.Unlock()
	return p.Flush(ctx)
}
