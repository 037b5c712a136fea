package ingestion

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/bloom/internal/graph"
	"github.com/Benny93/bloom/internal/plugin"
)

var testNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

type fakeRecorder struct {
	mu       sync.Mutex
	accepted map[string]int
	rejected map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{accepted: map[string]int{}, rejected: map[string]int{}}
}

func (r *fakeRecorder) SignalAccepted(t string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted[t]++
}

func (r *fakeRecorder) SignalRejected(t, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[t+"/"+reason]++
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func newTestEngine(opts ...Option) (*Engine, *graph.ContextGraph) {
	clock := func() time.Time { return testNow }
	g := graph.NewContextGraph(graph.WithClock(clock))
	opts = append([]Option{WithClock(clock)}, opts...)
	return NewEngine(g, opts...), g
}

func TestEngine_Ingest(t *testing.T) {
	t.Parallel()

	ms := testNow.UnixMilli()

	t.Run("QR", func(t *testing.T) {
		t.Parallel()
		e, g := newTestEngine()

		node, err := e.Ingest(Signal{Type: SignalQR, Payload: map[string]any{"label": "Espresso Bar", "id": "cafe-7"}})
		require.NoError(t, err)

		assert.Equal(t, "qr:cafe-7:"+itoa(ms), node.ID)
		assert.Equal(t, graph.KindService, node.Kind)
		assert.Equal(t, graph.LayerWorld, node.Layer)
		assert.Equal(t, graph.SourceQRScan, node.Source)
		assert.Equal(t, 1.0, node.Relevance)
		assert.Equal(t, "cafe-7", node.Data["id"])
		assert.False(t, node.Persistent)

		stored, ok := g.GetNode(node.ID)
		require.True(t, ok)
		assert.Equal(t, "Espresso Bar", stored.Label)
	})

	t.Run("QRFallsBackToLabelAndKind", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestEngine()

		node, err := e.Ingest(Signal{Type: SignalQR, Payload: map[string]any{"label": "Menu", "type": "Document"}})
		require.NoError(t, err)
		assert.Equal(t, "qr:Menu:"+itoa(ms), node.ID)
		assert.Equal(t, graph.KindDocument, node.Kind)
	})

	t.Run("GPS", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestEngine()

		node, err := e.Ingest(Signal{Type: SignalGPS, Payload: map[string]any{"lat": 52.5, "lng": 13.4}})
		require.NoError(t, err)

		assert.Equal(t, "gps:"+itoa(ms), node.ID)
		assert.Equal(t, graph.KindLocation, node.Kind)
		assert.Equal(t, "Unknown Location", node.Label)
		assert.Equal(t, graph.LayerWorld, node.Layer)
		assert.Equal(t, 0.8, node.Relevance)
		assert.Equal(t, 52.5, node.Data["lat"])
	})

	t.Run("GPSNamed", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestEngine()

		node, err := e.Ingest(Signal{Type: SignalGPS, Payload: map[string]any{"name": "Clinic"}})
		require.NoError(t, err)
		assert.Equal(t, "Clinic", node.Label)
	})

	t.Run("Manual", func(t *testing.T) {
		t.Parallel()
		e, g := newTestEngine()

		node, err := e.Ingest(Signal{Type: SignalManual, Payload: map[string]any{
			"id":      "pref-tea",
			"label":   "Prefers tea",
			"type":    "Preference",
			"focused": true,
			"data":    map[string]any{"strength": "high"},
		}})
		require.NoError(t, err)

		assert.Equal(t, "pref-tea", node.ID)
		assert.Equal(t, graph.KindPreference, node.Kind)
		assert.Equal(t, graph.LayerPersonal, node.Layer)
		assert.Equal(t, graph.SourceManualInput, node.Source)
		assert.True(t, node.Persistent)
		assert.True(t, node.Focused)
		assert.Equal(t, "high", node.Data["strength"])
		assert.Len(t, g.FocusedNodes(), 1)
	})

	t.Run("ManualMergeReturnsStoredNode", func(t *testing.T) {
		t.Parallel()
		e, g := newTestEngine()

		_, err := e.Ingest(Signal{Type: SignalManual, Payload: map[string]any{
			"id": "pref-tea", "label": "Prefers tea", "focused": true,
			"data": map[string]any{"strength": "high"},
		}})
		require.NoError(t, err)

		node, err := e.Ingest(Signal{Type: SignalManual, Payload: map[string]any{
			"id": "pref-tea", "label": "Prefers green tea", "layer": "world",
			"data": map[string]any{"temperature": "hot"},
		}})
		require.NoError(t, err)

		stored, ok := g.GetNode("pref-tea")
		require.True(t, ok)
		assert.Equal(t, stored, node)
		assert.Equal(t, "Prefers green tea", node.Label)
		assert.Equal(t, graph.LayerPersonal, node.Layer)
		assert.True(t, node.Focused)
		assert.Equal(t, map[string]any{"strength": "high", "temperature": "hot"}, node.Data)
	})

	t.Run("ManualDefaults", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestEngine()

		node, err := e.Ingest(Signal{Type: SignalManual, Payload: map[string]any{"label": "Call pharmacy"}})
		require.NoError(t, err)
		assert.Equal(t, "manual:Call pharmacy:"+itoa(ms), node.ID)
		assert.Equal(t, graph.KindTask, node.Kind)
		assert.True(t, node.Persistent)
	})

	t.Run("ManualOverrides", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestEngine()

		node, err := e.Ingest(Signal{Type: SignalManual, Payload: map[string]any{
			"label": "Bus stop", "layer": "world", "persistent": false,
		}})
		require.NoError(t, err)
		assert.Equal(t, graph.LayerWorld, node.Layer)
		assert.False(t, node.Persistent)
	})

	t.Run("Time", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestEngine()

		node, err := e.Ingest(Signal{Type: SignalTime, Payload: map[string]any{"period": "morning", "label": "Morning"}})
		require.NoError(t, err)
		assert.Equal(t, "time:morning:"+itoa(ms), node.ID)
		assert.Equal(t, graph.KindTemporal, node.Kind)
		assert.Equal(t, "Morning", node.Label)
		assert.Equal(t, 0.5, node.Relevance)
		assert.Equal(t, graph.SourceTimeDecay, node.Source)
		assert.Equal(t, graph.LayerWorld, node.Layer)
	})

	t.Run("SignalTimestampWins", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestEngine()

		ts := testNow.Add(-time.Hour)
		node, err := e.Ingest(Signal{Type: SignalGPS, Payload: map[string]any{"name": "Home"}, Timestamp: ts})
		require.NoError(t, err)
		assert.Equal(t, ts, node.Timestamp)
		assert.Equal(t, "gps:"+itoa(ts.UnixMilli()), node.ID)
	})

	t.Run("PluginPersistence", func(t *testing.T) {
		t.Parallel()
		cfg, err := plugin.Parse([]byte("metadata: {id: p}\nnodeTypes:\n  - type: Service\n    persistent: true\n"), ".yaml")
		require.NoError(t, err)
		e, _ := newTestEngine(WithPersistenceDefaults(cfg))

		node, err := e.Ingest(Signal{Type: SignalQR, Payload: map[string]any{"label": "Kiosk"}})
		require.NoError(t, err)
		assert.True(t, node.Persistent)
	})
}

func TestEngine_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		signal Signal
		want   error
	}{
		{"MissingType", Signal{Payload: map[string]any{"label": "x"}}, ErrInvalidSignal},
		{"NilPayload", Signal{Type: SignalQR}, ErrInvalidSignal},
		{"EmptyPayload", Signal{Type: SignalQR, Payload: map[string]any{}}, ErrInvalidSignal},
		{"BadConsent", Signal{Type: SignalGPS, Payload: map[string]any{"name": "x"}, Consent: "public"}, ErrInvalidSignal},
		{"QRWithoutLabel", Signal{Type: SignalQR, Payload: map[string]any{"id": "x"}}, ErrInvalidSignal},
		{"ManualWithoutLabel", Signal{Type: SignalManual, Payload: map[string]any{"id": "x"}}, ErrInvalidSignal},
		{"ManualBadLayer", Signal{Type: SignalManual, Payload: map[string]any{"label": "x", "layer": "dream"}}, ErrInvalidSignal},
		{"TimeWithoutPeriod", Signal{Type: SignalTime, Payload: map[string]any{"foo": 1}}, ErrInvalidSignal},
		{"Image", Signal{Type: SignalImage, Payload: map[string]any{"url": "x"}}, ErrUnsupportedSignal},
		{"Unknown", Signal{Type: "SMOKE", Payload: map[string]any{"x": 1}}, ErrUnsupportedSignal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := newFakeRecorder()
			e, g := newTestEngine(WithRecorder(rec))

			_, err := e.Ingest(tt.signal)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, 0, g.NodeCount())
			assert.Empty(t, rec.accepted)
			assert.Len(t, rec.rejected, 1)
		})
	}
}

func TestEngine_ConsentAccepted(t *testing.T) {
	t.Parallel()

	rec := newFakeRecorder()
	e, _ := newTestEngine(WithRecorder(rec))

	for _, c := range []ConsentLevel{ConsentPrivate, ConsentScoped, ConsentShared} {
		_, err := e.Ingest(Signal{Type: SignalGPS, Payload: map[string]any{"name": string(c)}, Consent: c})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, rec.accepted["GPS"])
}
