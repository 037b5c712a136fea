package storage

import (
	"context"
	"sync"

	"github.com/Benny93/bloom/internal/graph"
)

// MemoryBackend keeps the last saved snapshot in memory. It is meant for
// tests and throwaway sessions.
type MemoryBackend struct {
	mu          sync.RWMutex
	snap        graph.Snapshot
	initialized bool
	readOnly    bool
	saves       int
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Initialize implements Backend. path is ignored.
func (m *MemoryBackend) Initialize(_ string, readOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	m.readOnly = readOnly
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	m.snap = graph.Snapshot{}
	return nil
}

// Save implements Backend.
func (m *MemoryBackend) Save(ctx context.Context, snap graph.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	if m.readOnly {
		return ErrReadOnly
	}
	m.snap = cloneSnapshot(snap)
	sortSnapshot(&m.snap)
	m.saves++
	return nil
}

// Load implements Backend.
func (m *MemoryBackend) Load(ctx context.Context) (graph.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return graph.Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return graph.Snapshot{}, ErrNotInitialized
	}
	return cloneSnapshot(m.snap), nil
}

// Saves returns how many snapshots have been saved.
func (m *MemoryBackend) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func cloneSnapshot(snap graph.Snapshot) graph.Snapshot {
	out := graph.Snapshot{
		Nodes: make([]graph.Node, len(snap.Nodes)),
		Edges: make([]graph.Edge, len(snap.Edges)),
	}
	for i, n := range snap.Nodes {
		out.Nodes[i] = n.Clone()
	}
	copy(out.Edges, snap.Edges)
	return out
}
