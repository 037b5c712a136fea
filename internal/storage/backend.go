// Package storage persists context graph snapshots.
//
// A Backend stores the whole graph as produced by ContextGraph.Export and
// hands it back for ContextGraph.Import. Backends make no assumption about
// how the graph is used; they only guarantee a lossless, ID-keyed round
// trip.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Benny93/bloom/internal/graph"
)

var (
	// ErrNotInitialized is returned when a backend is used before
	// Initialize or after Close.
	ErrNotInitialized = errors.New("storage backend not initialized")

	// ErrReadOnly is returned by Save on a backend opened read-only.
	ErrReadOnly = errors.New("storage backend is read-only")
)

// Backend defines the interface for snapshot stores.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Initialize opens or creates the store at path. If readOnly is true,
	// Save is refused.
	Initialize(path string, readOnly bool) error

	// Close releases all resources held by the backend.
	Close() error

	// Save replaces the stored graph with snap.
	Save(ctx context.Context, snap graph.Snapshot) error

	// Load returns the stored graph, ordered by ID. An empty store yields
	// an empty snapshot.
	Load(ctx context.Context) (graph.Snapshot, error)
}

// Kind names a backend implementation.
type Kind string

const (
	KindMemory Kind = "memory"
	KindBadger Kind = "badger"
	KindSQLite Kind = "sqlite"
)

// New returns an uninitialized backend of the given kind.
func New(kind Kind) (Backend, error) {
	switch kind {
	case KindMemory:
		return NewMemoryBackend(), nil
	case KindBadger, "":
		return NewBadgerBackend(), nil
	case KindSQLite:
		return NewSQLiteBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}

// Open creates and initializes a backend of the given kind at path.
func Open(kind Kind, path string, readOnly bool) (Backend, error) {
	b, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := b.Initialize(path, readOnly); err != nil {
		return nil, err
	}
	return b, nil
}

// Timestamped is implemented by backends that record when they were last
// saved.
type Timestamped interface {
	LastSaved() (time.Time, error)
}
