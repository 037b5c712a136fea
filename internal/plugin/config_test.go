package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/bloom/internal/graph"
)

const sampleYAML = `
metadata:
  id: cafe
  name: Cafe helper
  version: 0.2.0
nodeTypes:
  - type: Location
    decayRate: 0.5
  - type: Script
    persistent: true
edgeTypes:
  - type: CONNECTED_TO
    bidirectional: true
    defaultWeight: 0.4
bridgeTypes: [LIKES, AVOIDS]
maturityThresholds:
  established: 8
`

func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("YAML", func(t *testing.T) {
		t.Parallel()
		cfg, err := Parse([]byte(sampleYAML), ".yaml")
		require.NoError(t, err)

		assert.Equal(t, "cafe", cfg.Metadata.ID)
		rate, ok := cfg.DecayRate(graph.KindLocation)
		assert.True(t, ok)
		assert.Equal(t, 0.5, rate)

		rate, ok = cfg.DecayRate(graph.KindScript)
		assert.False(t, ok)
		assert.Equal(t, DefaultDecayRate, rate)

		assert.True(t, cfg.PersistentDefault(graph.KindScript))
		assert.False(t, cfg.PersistentDefault(graph.KindLocation))
		assert.Equal(t, 0.4, cfg.DefaultWeight(graph.EdgeConnectedTo))
		assert.Equal(t, 1.0, cfg.DefaultWeight(graph.EdgePartOf))

		bridges := cfg.Bridges()
		assert.Len(t, bridges, 2)
		assert.True(t, bridges.Has("LIKES"))

		assert.Equal(t, graph.MaturityThresholds{Building: 2, Established: 8, Focused: 2}, cfg.Thresholds())
	})

	t.Run("JSON", func(t *testing.T) {
		t.Parallel()
		cfg, err := Parse([]byte(`{"metadata":{"id":"j"},"nodeTypes":[{"type":"Task","decayRate":0.01}]}`), ".json")
		require.NoError(t, err)

		rate, ok := cfg.DecayRate(graph.KindTask)
		assert.True(t, ok)
		assert.Equal(t, 0.01, rate)
		assert.Len(t, cfg.Bridges(), 9)
		assert.Equal(t, graph.DefaultMaturityThresholds(), cfg.Thresholds())
	})

	t.Run("Invalid", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte("nodeTypes:\n  - type: A\n  - type: A\n    decayRate: -1\n"), ".yml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "metadata.id is required")
		assert.Contains(t, err.Error(), "declared twice")
		assert.Contains(t, err.Error(), "negative decay rate")
	})

	t.Run("Malformed", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte("{"), ".json")
		assert.Error(t, err)
	})
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "aac", cfg.Metadata.ID)
	assert.Len(t, cfg.Bridges(), 9)
	assert.True(t, cfg.PersistentDefault(graph.KindUser))

	rate, ok := cfg.DecayRate(graph.KindLocation)
	assert.True(t, ok)
	assert.Equal(t, 0.1, rate)

	rate, ok = cfg.DecayRate("Unconfigured")
	assert.False(t, ok)
	assert.Equal(t, 0.05, rate)
}

func TestHolder_Reload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	h := NewHolder(nil, nil)
	require.Equal(t, "aac", h.Current().Metadata.ID)

	var reloaded *Config
	h.OnReload = func(c *Config) { reloaded = c }

	require.NoError(t, h.Reload(path))
	assert.Equal(t, "cafe", h.Current().Metadata.ID)
	assert.Same(t, h.Current(), reloaded)

	rate, _ := h.DecayRate(graph.KindLocation)
	assert.Equal(t, 0.5, rate)

	require.NoError(t, os.WriteFile(path, []byte("metadata: ["), 0o644))
	assert.Error(t, h.Reload(path))
	assert.Equal(t, "cafe", h.Current().Metadata.ID)
}

func TestHolder_Watch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.yaml")
	h := NewHolder(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Watch(ctx, path) }()

	// The watcher may not be registered on the first write. The poll
	// interval stays above reloadDelay so rewrites do not starve the timer.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(sampleYAML), 0o644)
		return h.Current().Metadata.ID == "cafe"
	}, 5*time.Second, 400*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

type recordingGraph struct {
	bridges    graph.BridgeSet
	thresholds graph.MaturityThresholds
	id         string
}

func (r *recordingGraph) SetBridgeTypes(b graph.BridgeSet)                 { r.bridges = b }
func (r *recordingGraph) SetMaturityThresholds(th graph.MaturityThresholds) { r.thresholds = th }
func (r *recordingGraph) SetPluginID(id string)                            { r.id = id }

func TestConfig_ApplyTo(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sampleYAML), ".yaml")
	require.NoError(t, err)

	rg := &recordingGraph{}
	cfg.ApplyTo(rg)

	assert.Equal(t, "cafe", rg.id)
	assert.Len(t, rg.bridges, 2)
	assert.Equal(t, 8, rg.thresholds.Established)

	g := graph.NewContextGraph()
	cfg.ApplyTo(g)
	assert.Equal(t, "cafe", g.State().PluginID)

	assert.True(t, cfg.Bidirectional(graph.EdgeConnectedTo))
	assert.False(t, cfg.Bidirectional(graph.EdgePartOf))
}
