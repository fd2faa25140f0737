package store

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/backend"
	"github.com/wolfeidau/bundle-cache/store/metadb"
)

func newTestStore(t *testing.T) (*Store, *backend.Filesystem) {
	t.Helper()
	fs, err := backend.NewFilesystem(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)

	db := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })

	return New(fs, db), fs
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestStorePutGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	ref := bundlecache.NewRef("characters.bundle", 2)
	data := "bundle file bytes"

	entry, err := s.Put(ctx, ref, strings.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, bundlecache.HashBytes([]byte(data)).String(), entry.Digest)
	require.Equal(t, int64(len(data)), entry.Size)

	rc, got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, data, readAll(t, rc))
	require.Equal(t, 2, got.Version)

	// Version 0 matches whatever is stored
	rc, _, err = s.Get(ctx, bundlecache.NewRef("characters.bundle", 0))
	require.NoError(t, err)
	require.Equal(t, data, readAll(t, rc))
}

func TestStoreGetMisses(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Get(ctx, bundlecache.NewRef("missing.bundle", 1))
	require.ErrorIs(t, err, backend.ErrNotFound)

	_, err = s.Put(ctx, bundlecache.NewRef("ui.bundle", 1), strings.NewReader("v1"))
	require.NoError(t, err)

	_, entry, err := s.Get(ctx, bundlecache.NewRef("ui.bundle", 2))
	require.ErrorIs(t, err, ErrVersionMismatch)
	require.Equal(t, 1, entry.Version)
}

func TestStorePutReplacesOldVersion(t *testing.T) {
	s, fs := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, bundlecache.NewRef("ui.bundle", 1), strings.NewReader("v1"))
	require.NoError(t, err)
	_, err = s.Put(ctx, bundlecache.NewRef("ui.bundle", 2), strings.NewReader("v2"))
	require.NoError(t, err)

	exists, err := fs.Exists(ctx, "versions/ui.bundle/1")
	require.NoError(t, err)
	require.False(t, exists, "replaced version is deleted")

	keys, err := fs.List(ctx, "versions")
	require.NoError(t, err)
	require.Equal(t, []string{"versions/ui.bundle/2"}, keys)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Bundles: 1, TotalSize: 2}, stats)
}

func TestStoreGetDropsStaleEntry(t *testing.T) {
	s, fs := newTestStore(t)
	ctx := context.Background()
	ref := bundlecache.NewRef("ui.bundle", 1)

	_, err := s.Put(ctx, ref, strings.NewReader("v1"))
	require.NoError(t, err)
	require.NoError(t, fs.Delete(ctx, bundlecache.VersionedStorageKey(ref)))

	_, _, err = s.Get(ctx, ref)
	require.ErrorIs(t, err, backend.ErrNotFound)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestStoreDelete(t *testing.T) {
	s, fs := newTestStore(t)
	ctx := context.Background()
	ref := bundlecache.NewRef("ui.bundle", 3)

	_, err := s.Put(ctx, ref, strings.NewReader("v3"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "ui.bundle"))
	require.NoError(t, s.Delete(ctx, "ui.bundle"))

	exists, _ := fs.Exists(ctx, bundlecache.VersionedStorageKey(ref))
	require.False(t, exists)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Bundles)
}

func TestStorePutValidates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, bundlecache.NewRef("../escape", 1), strings.NewReader("x"))
	require.ErrorIs(t, err, bundlecache.ErrInvalidName)

	_, err = s.Put(ctx, bundlecache.NewRef("ui.bundle", 0), strings.NewReader("x"))
	require.Error(t, err)
}

func TestStorePrune(t *testing.T) {
	s, fs := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, bundlecache.NewRef("ui.bundle", 2), strings.NewReader("v2"))
	require.NoError(t, err)

	// Files without a matching index entry, as left by an interrupted Put.
	require.NoError(t, fs.Write(ctx, "versions/ui.bundle/1", strings.NewReader("old")))
	require.NoError(t, fs.Write(ctx, "versions/orphan.bundle/4", strings.NewReader("orphan")))

	removed, err := s.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	keys, err := fs.List(ctx, "versions")
	require.NoError(t, err)
	require.Equal(t, []string{"versions/ui.bundle/2"}, keys)

	removed, err = s.Prune(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
}

// plainBackend hides the writer support of the wrapped backend.
type plainBackend struct {
	backend.Backend
}

func TestStorePutWithoutWriterBackend(t *testing.T) {
	_, fs := newTestStore(t)
	db := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })

	s := New(plainBackend{fs}, db)
	ctx := context.Background()
	data := "streamed through Write"

	entry, err := s.Put(ctx, bundlecache.NewRef("ui.bundle", 1), strings.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, bundlecache.HashBytes([]byte(data)).String(), entry.Digest)
	require.Equal(t, int64(len(data)), entry.Size)

	rc, _, err := s.Get(ctx, bundlecache.NewRef("ui.bundle", 1))
	require.NoError(t, err)
	require.Equal(t, data, readAll(t, rc))
}
