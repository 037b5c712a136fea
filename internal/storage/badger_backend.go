package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Benny93/bloom/internal/graph"
)

// Key prefixes for different data types
const (
	prefixNode = "n:" // node data
	prefixEdge = "e:" // edge data
	keyMeta    = "m:snapshot"
)

// snapshotMeta is written alongside every snapshot.
type snapshotMeta struct {
	SavedAt time.Time `json:"savedAt"`
	Nodes   int       `json:"nodes"`
	Edges   int       `json:"edges"`
}

// BadgerBackend stores each node and edge under its own key, values
// encoded as zstd-compressed JSON.
type BadgerBackend struct {
	db       *badger.DB
	codec    *codec
	readOnly bool
	mu       sync.RWMutex
}

// NewBadgerBackend creates a new BadgerDB backend.
func NewBadgerBackend() *BadgerBackend {
	return &BadgerBackend{}
}

// Initialize opens or creates the BadgerDB database at the given path.
func (b *BadgerBackend) Initialize(path string, readOnly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	opts := badger.DefaultOptions(path).
		WithNumCompactors(2).
		WithNumMemtables(5).
		WithLoggingLevel(badger.ERROR) // Suppress INFO/WARNING logs

	if readOnly {
		opts = opts.WithReadOnly(true)
	}

	c, err := newCodec()
	if err != nil {
		return err
	}

	b.db, err = badger.Open(opts)
	if err != nil {
		c.close()
		return fmt.Errorf("opening badger DB: %w", err)
	}
	b.codec = c
	b.readOnly = readOnly
	return nil
}

// Close releases all resources held by the backend.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}

	err := b.db.Close()
	b.codec.close()
	b.db = nil
	b.codec = nil
	return err
}

// Save replaces every stored node and edge with snap.
func (b *BadgerBackend) Save(ctx context.Context, snap graph.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return ErrNotInitialized
	}
	if b.readOnly {
		return ErrReadOnly
	}

	if err := b.db.DropPrefix([]byte(prefixNode), []byte(prefixEdge)); err != nil {
		return fmt.Errorf("clearing snapshot: %w", err)
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range snap.Nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := &snap.Nodes[i]
		data, err := b.codec.marshal(n)
		if err != nil {
			return fmt.Errorf("marshaling node: %w", err)
		}
		if err := wb.Set([]byte(prefixNode+n.ID), data); err != nil {
			return fmt.Errorf("setting node: %w", err)
		}
	}

	for i := range snap.Edges {
		e := &snap.Edges[i]
		data, err := b.codec.marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling edge: %w", err)
		}
		if err := wb.Set([]byte(prefixEdge+e.ID), data); err != nil {
			return fmt.Errorf("setting edge: %w", err)
		}
	}

	meta, err := b.codec.marshal(snapshotMeta{
		SavedAt: time.Now().UTC(),
		Nodes:   len(snap.Nodes),
		Edges:   len(snap.Edges),
	})
	if err != nil {
		return fmt.Errorf("marshaling meta: %w", err)
	}
	if err := wb.Set([]byte(keyMeta), meta); err != nil {
		return fmt.Errorf("setting meta: %w", err)
	}

	return wb.Flush()
}

// Load reads every stored node and edge. Keys iterate in byte order, so
// the result is ordered by ID.
func (b *BadgerBackend) Load(ctx context.Context) (graph.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := graph.Snapshot{Nodes: []graph.Node{}, Edges: []graph.Edge{}}
	if b.db == nil {
		return snap, ErrNotInitialized
	}

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixNode)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var n graph.Node
			if err := it.Item().Value(func(val []byte) error {
				return b.codec.unmarshal(val, &n)
			}); err != nil {
				return fmt.Errorf("decoding node %s: %w", it.Item().Key(), err)
			}
			snap.Nodes = append(snap.Nodes, n)
		}

		opts.Prefix = []byte(prefixEdge)
		eit := txn.NewIterator(opts)
		defer eit.Close()

		for eit.Rewind(); eit.Valid(); eit.Next() {
			var e graph.Edge
			if err := eit.Item().Value(func(val []byte) error {
				return b.codec.unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decoding edge %s: %w", eit.Item().Key(), err)
			}
			snap.Edges = append(snap.Edges, e)
		}
		return nil
	})
	if err != nil {
		return graph.Snapshot{}, err
	}
	return snap, nil
}

// LastSaved returns when the stored snapshot was written, or the zero time
// if nothing has been saved.
func (b *BadgerBackend) LastSaved() (time.Time, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.db == nil {
		return time.Time{}, ErrNotInitialized
	}

	var meta snapshotMeta
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyMeta))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return b.codec.unmarshal(val, &meta)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return meta.SavedAt, nil
}
