package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestBadgerBackend(t *testing.T) (*BadgerBackend, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "badger")

	backend := NewBadgerBackend()
	require.NoError(t, backend.Initialize(dbPath, false))
	t.Cleanup(func() { _ = backend.Close() })

	return backend, dbPath
}

func TestBadgerBackend_Initialize(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		t.Parallel()
		backend, _ := setupTestBadgerBackend(t)
		assert.NotNil(t, backend.db)
	})

	t.Run("ReadOnly", func(t *testing.T) {
		t.Parallel()
		dbPath := filepath.Join(t.TempDir(), "badger")

		// First create the DB
		backend1 := NewBadgerBackend()
		require.NoError(t, backend1.Initialize(dbPath, false))
		require.NoError(t, backend1.Save(context.Background(), sampleSnapshot()))
		require.NoError(t, backend1.Close())

		// Open in read-only mode
		backend2 := NewBadgerBackend()
		require.NoError(t, backend2.Initialize(dbPath, true))
		defer backend2.Close()

		got, err := backend2.Load(context.Background())
		require.NoError(t, err)
		assert.Len(t, got.Nodes, 3)
		assert.ErrorIs(t, backend2.Save(context.Background(), sampleSnapshot()), ErrReadOnly)
	})

	t.Run("CloseTwice", func(t *testing.T) {
		t.Parallel()
		backend := NewBadgerBackend()
		require.NoError(t, backend.Initialize(filepath.Join(t.TempDir(), "badger"), false))
		assert.NoError(t, backend.Close())
		assert.NoError(t, backend.Close())
	})
}

func TestBadgerBackend_Reopen(t *testing.T) {
	t.Parallel()

	backend, dbPath := setupTestBadgerBackend(t)
	require.NoError(t, backend.Save(context.Background(), sampleSnapshot()))
	require.NoError(t, backend.Close())

	reopened := NewBadgerBackend()
	require.NoError(t, reopened.Initialize(dbPath, false))
	defer reopened.Close()

	got, err := reopened.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sampleSnapshot(), got)
}

func TestBadgerBackend_LastSaved(t *testing.T) {
	t.Parallel()

	backend, _ := setupTestBadgerBackend(t)

	ts, err := backend.LastSaved()
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	before := time.Now().Add(-time.Second)
	require.NoError(t, backend.Save(context.Background(), sampleSnapshot()))

	ts, err = backend.LastSaved()
	require.NoError(t, err)
	assert.True(t, ts.After(before))
}

func TestBadgerBackend_ValuesAreCompressed(t *testing.T) {
	t.Parallel()

	backend, _ := setupTestBadgerBackend(t)
	require.NoError(t, backend.Save(context.Background(), sampleSnapshot()))

	var raw []byte
	err := backend.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixNode + "me"))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), len(zstdMagic))
	assert.Equal(t, zstdMagic, raw[:len(zstdMagic)])
}
