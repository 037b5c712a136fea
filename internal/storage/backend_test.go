package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/bloom/internal/graph"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func sampleSnapshot() graph.Snapshot {
	return graph.Snapshot{
		Nodes: []graph.Node{
			{ID: "loc", Kind: graph.KindLocation, Label: "Park Street", Relevance: 0.8, Timestamp: t0, Layer: graph.LayerWorld, Source: graph.SourceGPSSignal, Data: map[string]any{"lat": 52.5}},
			{ID: "me", Kind: graph.KindUser, Label: "Me", Relevance: 1, Timestamp: t0, Layer: graph.LayerPersonal, Persistent: true, Focused: true, Section: graph.SectionIdentity},
			{ID: "tea", Kind: graph.KindPreference, Label: "Tea", Relevance: 0.6, Timestamp: t0.Add(time.Minute), Layer: graph.LayerPersonal, Description: "Green, no sugar", ImageURL: "tea.png"},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "me", Target: "loc", Type: graph.EdgeAssociatesWith, Weight: 0.7, Timestamp: t0, SourceType: graph.SourceUserCreated},
			{ID: "e2", Source: "me", Target: "tea", Type: graph.EdgeConnectedTo, Weight: 0.5, Bidirectional: true, Timestamp: t0},
		},
	}
}

// backendCases opens one initialized backend of every kind.
func backendCases(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	cases := map[string]Backend{}
	for name, path := range map[Kind]string{
		KindMemory: "",
		KindBadger: filepath.Join(dir, "badger"),
		KindSQLite: filepath.Join(dir, "bloom.db"),
	} {
		b, err := Open(name, path, false)
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		cases[string(name)] = b
	}
	return cases
}

func TestBackends_RoundTrip(t *testing.T) {
	t.Parallel()

	for name, b := range backendCases(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			empty, err := b.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, empty.Nodes)
			assert.Empty(t, empty.Edges)

			want := sampleSnapshot()
			require.NoError(t, b.Save(ctx, want))

			got, err := b.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestBackends_SaveReplaces(t *testing.T) {
	t.Parallel()

	for name, b := range backendCases(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			require.NoError(t, b.Save(ctx, sampleSnapshot()))

			smaller := graph.Snapshot{
				Nodes: []graph.Node{{ID: "only", Kind: graph.KindTask, Label: "Only", Relevance: 1, Timestamp: t0, Layer: graph.LayerPersonal}},
				Edges: []graph.Edge{},
			}
			require.NoError(t, b.Save(ctx, smaller))

			got, err := b.Load(ctx)
			require.NoError(t, err)
			require.Len(t, got.Nodes, 1)
			assert.Equal(t, "only", got.Nodes[0].ID)
			assert.Empty(t, got.Edges)
		})
	}
}

func TestBackends_OrderedByID(t *testing.T) {
	t.Parallel()

	for name, b := range backendCases(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			snap := sampleSnapshot()
			snap.Nodes[0], snap.Nodes[2] = snap.Nodes[2], snap.Nodes[0]
			snap.Edges[0], snap.Edges[1] = snap.Edges[1], snap.Edges[0]
			require.NoError(t, b.Save(ctx, snap))

			got, err := b.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, sampleSnapshot(), got)
		})
	}
}

func TestBackends_GraphRoundTrip(t *testing.T) {
	t.Parallel()

	for name, b := range backendCases(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			src := graph.NewContextGraph()
			src.Import(sampleSnapshot())
			require.NoError(t, b.Save(ctx, src.Export()))

			loaded, err := b.Load(ctx)
			require.NoError(t, err)

			dst := graph.NewContextGraph()
			dst.Import(loaded)
			assert.Equal(t, src.Export(), dst.Export())
			assert.Len(t, dst.FocusedNodes(), 1)
		})
	}
}

func TestBackends_NotInitialized(t *testing.T) {
	t.Parallel()

	for _, kind := range []Kind{KindMemory, KindBadger, KindSQLite} {
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()
			b, err := New(kind)
			require.NoError(t, err)

			_, err = b.Load(context.Background())
			assert.ErrorIs(t, err, ErrNotInitialized)
			assert.ErrorIs(t, b.Save(context.Background(), graph.Snapshot{}), ErrNotInitialized)
			assert.NoError(t, b.Close())
		})
	}
}

func TestNew_UnknownKind(t *testing.T) {
	t.Parallel()

	_, err := New("postgres")
	assert.Error(t, err)

	b, err := New("")
	require.NoError(t, err)
	assert.IsType(t, &BadgerBackend{}, b)
}

func TestMemoryBackend_ReadOnly(t *testing.T) {
	t.Parallel()

	b := NewMemoryBackend()
	require.NoError(t, b.Initialize("", true))

	assert.ErrorIs(t, b.Save(context.Background(), sampleSnapshot()), ErrReadOnly)
	assert.Equal(t, 0, b.Saves())
}

func TestMemoryBackend_SaveCopies(t *testing.T) {
	t.Parallel()

	b := NewMemoryBackend()
	require.NoError(t, b.Initialize("", false))

	snap := sampleSnapshot()
	require.NoError(t, b.Save(context.Background(), snap))
	snap.Nodes[0].Data["lat"] = 0.0

	got, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 52.5, got.Nodes[0].Data["lat"])
}
