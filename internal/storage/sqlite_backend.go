package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Benny93/bloom/internal/graph"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	id      TEXT PRIMARY KEY,
	kind    TEXT NOT NULL,
	layer   TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_kind ON nodes(kind);

CREATE TABLE IF NOT EXISTS edges (
	id      TEXT PRIMARY KEY,
	source  TEXT NOT NULL,
	target  TEXT NOT NULL,
	type    TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLiteBackend stores nodes and edges as rows with a JSON payload column,
// which keeps the data inspectable with the sqlite3 shell.
type SQLiteBackend struct {
	db       *sql.DB
	readOnly bool
	mu       sync.RWMutex
}

// NewSQLiteBackend creates a new SQLite backend.
func NewSQLiteBackend() *SQLiteBackend {
	return &SQLiteBackend{}
}

// Initialize opens (or creates) the database file at path, configures
// pragmas and creates the schema. ":memory:" opens a private in-memory
// database.
func (s *SQLiteBackend) Initialize(path string, readOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	// Every connection to ":memory:" would get its own database.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}

	s.db = db
	s.readOnly = readOnly
	return nil
}

// Close releases the database handle.
func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Save replaces all rows with snap in a single transaction.
func (s *SQLiteBackend) Save(ctx context.Context, snap graph.Snapshot) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrNotInitialized
	}
	if s.readOnly {
		return ErrReadOnly
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM edges"); err != nil {
		return fmt.Errorf("clearing edges: %w", err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM nodes"); err != nil {
		return fmt.Errorf("clearing nodes: %w", err)
	}

	nodeStmt, err := tx.PrepareContext(ctx, "INSERT INTO nodes (id, kind, layer, payload) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare nodes: %w", err)
	}
	defer nodeStmt.Close()

	for _, n := range snap.Nodes {
		payload, mErr := json.Marshal(n)
		if mErr != nil {
			return fmt.Errorf("marshaling node: %w", mErr)
		}
		if _, err = nodeStmt.ExecContext(ctx, n.ID, string(n.Kind), string(n.Layer), string(payload)); err != nil {
			return fmt.Errorf("inserting node %s: %w", n.ID, err)
		}
	}

	edgeStmt, err := tx.PrepareContext(ctx, "INSERT INTO edges (id, source, target, type, payload) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare edges: %w", err)
	}
	defer edgeStmt.Close()

	for _, e := range snap.Edges {
		payload, mErr := json.Marshal(e)
		if mErr != nil {
			return fmt.Errorf("marshaling edge: %w", mErr)
		}
		if _, err = edgeStmt.ExecContext(ctx, e.ID, e.Source, e.Target, string(e.Type), string(payload)); err != nil {
			return fmt.Errorf("inserting edge %s: %w", e.ID, err)
		}
	}

	if _, err = tx.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES ('saved_at', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("writing meta: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load reads all rows ordered by ID.
func (s *SQLiteBackend) Load(ctx context.Context) (graph.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := graph.Snapshot{Nodes: []graph.Node{}, Edges: []graph.Edge{}}
	if s.db == nil {
		return snap, ErrNotInitialized
	}

	nodes, err := queryPayloads[graph.Node](ctx, s.db, "SELECT payload FROM nodes ORDER BY id")
	if err != nil {
		return graph.Snapshot{}, fmt.Errorf("loading nodes: %w", err)
	}
	edges, err := queryPayloads[graph.Edge](ctx, s.db, "SELECT payload FROM edges ORDER BY id")
	if err != nil {
		return graph.Snapshot{}, fmt.Errorf("loading edges: %w", err)
	}
	snap.Nodes = append(snap.Nodes, nodes...)
	snap.Edges = append(snap.Edges, edges...)
	return snap, nil
}

// LastSaved returns when the stored snapshot was written, or the zero time
// if nothing has been saved.
func (s *SQLiteBackend) LastSaved() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return time.Time{}, ErrNotInitialized
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'saved_at'").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, value)
}

func queryPayloads[T any](ctx context.Context, db *sql.DB, query string) ([]T, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
