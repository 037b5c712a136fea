package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/bloom/internal/graph"
)

type failingBackend struct {
	*MemoryBackend
	mu   sync.Mutex
	fail bool
}

func (f *failingBackend) Save(ctx context.Context, snap graph.Snapshot) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.MemoryBackend.Save(ctx, snap)
}

type saveCounter struct {
	mu     sync.Mutex
	ok     int
	failed int
}

func (s *saveCounter) SnapshotSaved(_ time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failed++
		return
	}
	s.ok++
}

func newPersisterFixture(t *testing.T, delay time.Duration) (*Persister, *MemoryBackend, *graph.ContextGraph) {
	t.Helper()
	backend := NewMemoryBackend()
	require.NoError(t, backend.Initialize("", false))
	g := graph.NewContextGraph()
	p := NewPersister(backend, g, WithDelay(delay))
	p.Start()
	return p, backend, g
}

func addTask(t *testing.T, g *graph.ContextGraph, id string) {
	t.Helper()
	require.NoError(t, g.AddNode(graph.Node{ID: id, Kind: graph.KindTask, Label: id, Layer: graph.LayerPersonal}))
}

func TestPersister_DebouncesBursts(t *testing.T) {
	t.Parallel()

	p, backend, g := newPersisterFixture(t, 50*time.Millisecond)
	defer p.Stop(context.Background())

	for _, id := range []string{"a", "b", "c", "d"} {
		addTask(t, g, id)
	}

	require.Eventually(t, func() bool { return backend.Saves() == 1 }, 2*time.Second, 10*time.Millisecond)

	snap, err := backend.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 4)

	// No further change, no further save.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, backend.Saves())
}

func TestPersister_FlushAndStop(t *testing.T) {
	t.Parallel()

	p, backend, g := newPersisterFixture(t, time.Hour)

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, 0, backend.Saves(), "clean graph is not saved")

	addTask(t, g, "x")
	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, 1, backend.Saves())

	addTask(t, g, "y")
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 2, backend.Saves())
	assert.Equal(t, 0, g.SubscriberCount())

	addTask(t, g, "z")
	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, 2, backend.Saves(), "stopped persister ignores changes")
}

func TestPersister_StartIsIdempotent(t *testing.T) {
	t.Parallel()

	p, _, g := newPersisterFixture(t, time.Hour)
	p.Start()
	assert.Equal(t, 1, g.SubscriberCount())
	require.NoError(t, p.Stop(context.Background()))
}

func TestPersister_FailedSaveStaysDirty(t *testing.T) {
	t.Parallel()

	mem := NewMemoryBackend()
	require.NoError(t, mem.Initialize("", false))
	backend := &failingBackend{MemoryBackend: mem, fail: true}
	rec := &saveCounter{}

	g := graph.NewContextGraph()
	p := NewPersister(backend, g, WithDelay(time.Hour), WithSaveRecorder(rec))
	p.Start()

	addTask(t, g, "x")
	assert.Error(t, p.Flush(context.Background()))

	backend.mu.Lock()
	backend.fail = false
	backend.mu.Unlock()

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 1, mem.Saves())
	assert.Equal(t, 1, rec.ok)
	assert.Equal(t, 1, rec.failed)
}
