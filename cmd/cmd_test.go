package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/bloom/internal/storage"
)

func newGlobals(t *testing.T, backend string) (*Globals, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	return &Globals{Dir: t.TempDir(), Storage: backend, Quiet: true, out: &out}, &out
}

func ingest(t *testing.T, globals *Globals, sigType, payload string) {
	t.Helper()
	require.NoError(t, (&IngestCmd{Type: sigType, Payload: payload}).Run(globals))
}

type statusJSON struct {
	Storage string `json:"storage"`
	Plugin  string `json:"plugin"`
	Stats   struct {
		Nodes int `json:"nodes"`
		Edges int `json:"edges"`
	} `json:"stats"`
}

func status(t *testing.T, globals *Globals) statusJSON {
	t.Helper()
	var out bytes.Buffer
	g := *globals
	g.out = &out
	require.NoError(t, (&StatusCmd{JSON: true}).Run(&g))
	var s statusJSON
	require.NoError(t, json.Unmarshal(out.Bytes(), &s))
	return s
}

// seedCafe builds Me --PREFERS_OVER--> Quiet Cafe --PART_OF--> Park Street.
func seedCafe(t *testing.T, globals *Globals) {
	t.Helper()
	ingest(t, globals, "manual", `{"id":"me","label":"Me","type":"User"}`)
	ingest(t, globals, "MANUAL", `{"id":"cafe","label":"Quiet Cafe","type":"Location","layer":"world","persistent":false}`)
	ingest(t, globals, "MANUAL", `{"id":"street","label":"Park Street","type":"Location","layer":"world","persistent":false}`)
	require.NoError(t, (&ConnectCmd{Source: "me", Target: "cafe", Type: "prefers_over", Weight: 0.75}).Run(globals))
	require.NoError(t, (&ConnectCmd{Source: "cafe", Target: "street", Type: "PART_OF", Weight: -1}).Run(globals))
}

func TestIngestCmd_Run(t *testing.T) {
	t.Parallel()

	t.Run("Signal", func(t *testing.T) {
		t.Parallel()
		globals, out := newGlobals(t, "sqlite")

		ingest(t, globals, "qr", `{"label":"Espresso Bar","id":"cafe-7"}`)
		assert.Contains(t, out.String(), `"Espresso Bar"`)
		assert.Equal(t, 1, status(t, globals).Stats.Nodes)
	})

	t.Run("MissingType", func(t *testing.T) {
		t.Parallel()
		globals, _ := newGlobals(t, "sqlite")

		assert.Error(t, (&IngestCmd{}).Run(globals))
	})

	t.Run("BadPayload", func(t *testing.T) {
		t.Parallel()
		globals, _ := newGlobals(t, "sqlite")

		assert.Error(t, (&IngestCmd{Type: "QR", Payload: "{"}).Run(globals))
		assert.Error(t, (&IngestCmd{Type: "QR", Payload: `{"id":"x"}`}).Run(globals))
	})

	t.Run("File", func(t *testing.T) {
		t.Parallel()
		globals, out := newGlobals(t, "sqlite")

		path := filepath.Join(t.TempDir(), "signals.json")
		require.NoError(t, os.WriteFile(path, []byte(`[
			{"type":"GPS","payload":{"name":"Library","lat":52.5}},
			{"type":"IMAGE","payload":{"url":"a.png"}},
			{"type":"TIME","payload":{"period":"morning"}}
		]`), 0o644))

		require.NoError(t, (&IngestCmd{File: path}).Run(globals))
		assert.Contains(t, out.String(), "IMAGE signal rejected")
		assert.Equal(t, 2, status(t, globals).Stats.Nodes)
	})

	t.Run("Inbox", func(t *testing.T) {
		t.Parallel()
		globals, out := newGlobals(t, "sqlite")

		inbox := filepath.Join(globals.Dir, ".bloom", "inbox")
		require.NoError(t, os.MkdirAll(inbox, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(inbox, "scan.json"),
			[]byte(`{"type":"QR","payload":{"label":"Pharmacy"}}`), 0o644))

		require.NoError(t, (&IngestCmd{Inbox: true}).Run(globals))
		assert.Contains(t, out.String(), "1 signals ingested")
		assert.FileExists(t, filepath.Join(inbox, "processed", "scan.json"))
		assert.Equal(t, 1, status(t, globals).Stats.Nodes)
	})
}

func TestGraphWorkflow(t *testing.T) {
	t.Parallel()

	globals, _ := newGlobals(t, "sqlite")
	seedCafe(t, globals)

	t.Run("Trace", func(t *testing.T) {
		var out bytes.Buffer
		g := *globals
		g.out = &out

		require.NoError(t, (&TraceCmd{NodeID: "street", Depth: 3}).Run(&g))
		assert.Contains(t, out.String(), "- Me --[PREFERS_OVER]--> Quiet Cafe --[PART_OF]--> Park Street (Confidence: 0.60)")

		out.Reset()
		require.NoError(t, (&TraceCmd{NodeID: "ghost", Depth: 3}).Run(&g))
		assert.Contains(t, out.String(), "not found")
	})

	t.Run("ConnectRejected", func(t *testing.T) {
		err := (&ConnectCmd{Source: "cafe", Target: "me", Type: "CONNECTED_TO", Weight: -1}).Run(globals)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "edge rejected")
	})

	t.Run("Resolve", func(t *testing.T) {
		var out bytes.Buffer
		g := *globals
		g.out = &out

		require.NoError(t, (&ResolveCmd{NodeID: "cafe"}).Run(&g))
		assert.Contains(t, out.String(), "LocationModule")

		out.Reset()
		require.NoError(t, (&ResolveCmd{Threshold: 0.3}).Run(&g))
		assert.Contains(t, out.String(), "Active modules (3)")
	})

	t.Run("ExportResetImport", func(t *testing.T) {
		snapPath := filepath.Join(t.TempDir(), "graph.json.zst")
		require.NoError(t, (&ExportCmd{Output: snapPath, Compress: true}).Run(globals))

		require.NoError(t, (&ResetCmd{Force: true}).Run(globals))
		s := status(t, globals)
		assert.Equal(t, 1, s.Stats.Nodes, "persistent user node survives")
		assert.Zero(t, s.Stats.Edges)

		require.NoError(t, (&ImportCmd{Input: snapPath}).Run(globals))
		s = status(t, globals)
		assert.Equal(t, 3, s.Stats.Nodes)
		assert.Equal(t, 2, s.Stats.Edges)
		assert.Equal(t, "sqlite", s.Storage)
		assert.Equal(t, "aac", s.Plugin)
	})

	t.Run("ExportStdout", func(t *testing.T) {
		var out bytes.Buffer
		g := *globals
		g.out = &out

		require.NoError(t, (&ExportCmd{Output: "-"}).Run(&g))
		snap, err := storage.ReadSnapshot(&out)
		require.NoError(t, err)
		assert.Len(t, snap.Nodes, 3)
	})

	t.Run("DecayDryRun", func(t *testing.T) {
		var out bytes.Buffer
		g := *globals
		g.out = &out

		require.NoError(t, (&DecayCmd{DryRun: true}).Run(&g))
		assert.Contains(t, out.String(), "removed 0")
		assert.Equal(t, 3, status(t, globals).Stats.Nodes)
	})
}

func TestBadgerWorkspace(t *testing.T) {
	t.Parallel()

	globals, _ := newGlobals(t, "")
	ingest(t, globals, "TIME", `{"period":"evening"}`)

	s := status(t, globals)
	assert.Equal(t, "badger", s.Storage)
	assert.Equal(t, 1, s.Stats.Nodes)
	assert.DirExists(t, filepath.Join(globals.Dir, ".bloom", "badger"))
}

func TestReadOnlyCommandsNeedWorkspace(t *testing.T) {
	t.Parallel()

	globals, _ := newGlobals(t, "sqlite")

	err := (&StatusCmd{}).Run(globals)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no context graph found")

	assert.Error(t, (&TraceCmd{NodeID: "x", Depth: 3}).Run(globals))
	assert.Error(t, (&ExportCmd{Output: "-"}).Run(globals))
}

func TestCleanCmd_Run(t *testing.T) {
	t.Parallel()

	t.Run("CleanWithNoWorkspace", func(t *testing.T) {
		t.Parallel()
		globals, _ := newGlobals(t, "sqlite")

		assert.Error(t, (&CleanCmd{Force: true}).Run(globals))
	})

	t.Run("CleanWorkspace", func(t *testing.T) {
		t.Parallel()
		globals, out := newGlobals(t, "sqlite")
		ingest(t, globals, "QR", `{"label":"Bus 42"}`)

		require.NoError(t, (&CleanCmd{Force: true}).Run(globals))
		assert.NoDirExists(t, filepath.Join(globals.Dir, ".bloom"))
		assert.Contains(t, out.String(), "Deleted")
	})
}

func TestServeCmd_Serve(t *testing.T) {
	t.Parallel()

	globals, _ := newGlobals(t, "memory")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws, err := openWorkspace(ctx, globals, false)
	require.NoError(t, err)
	defer ws.close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	done := make(chan error, 1)
	go func() { done <- (&ServeCmd{NoDecay: true}).serve(ctx, ws, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/api/signals", "application/json",
		strings.NewReader(`{"type":"QR","payload":{"label":"Ticket machine"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, ws.graph.NodeCount())

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Contains(t, body.String(), "bloom_signals_ingested_total")
	assert.Contains(t, body.String(), "bloom_graph_nodes 1")

	assert.DirExists(t, filepath.Join(globals.Dir, ".bloom", "inbox"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}

	saved, err := ws.backend.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, saved.Nodes, 1)
}

func TestCLI_Execute(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cli := NewCLI()
	require.NoError(t, cli.Execute([]string{"--dir", dir, "--storage", "sqlite", "-q", "ingest", "QR", `{"label":"Kiosk"}`}))
	assert.FileExists(t, filepath.Join(dir, ".bloom", "bloom.db"))

	assert.Error(t, NewCLI().Execute([]string{"no-such-command"}))
}
