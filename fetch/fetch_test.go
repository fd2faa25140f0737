package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/archive"
	"github.com/wolfeidau/bundle-cache/backend"
	"github.com/wolfeidau/bundle-cache/store"
	"github.com/wolfeidau/bundle-cache/store/metadb"
)

func packBundle(t *testing.T, ref bundlecache.Ref, files map[string]string) []byte {
	t.Helper()
	fsys := fstest.MapFS{}
	var assets []string
	for name, content := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(content)}
		assets = append(assets, name)
	}
	w, err := archive.NewWriter()
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = w.Write(context.Background(), &buf, ref, fsys, assets)
	require.NoError(t, err)
	return buf.Bytes()
}

func readAsset(t *testing.T, b bundlecache.Bundle, asset string) string {
	t.Helper()
	rc, err := b.Open(asset)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestBackendFetcher(t *testing.T) {
	ctx := context.Background()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	data := packBundle(t, bundlecache.NewRef("ui.bundle", 3), map[string]string{"button.png": "button"})
	require.NoError(t, fs.Write(ctx, bundlecache.BundleStorageKey("ui.bundle"), bytes.NewReader(data)))

	f := NewBackendFetcher(fs)

	t.Run("any version", func(t *testing.T) {
		b, err := f.Fetch(ctx, bundlecache.NewRef("ui.bundle", 0))
		require.NoError(t, err)
		require.Equal(t, 3, b.Ref().Version)
		require.Equal(t, "button", readAsset(t, b, "button.png"))
	})

	t.Run("exact version", func(t *testing.T) {
		_, err := f.Fetch(ctx, bundlecache.NewRef("ui.bundle", 3))
		require.NoError(t, err)
	})

	t.Run("version mismatch", func(t *testing.T) {
		_, err := f.Fetch(ctx, bundlecache.NewRef("ui.bundle", 2))
		require.ErrorIs(t, err, ErrVersionMismatch)
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		require.Equal(t, "verify", fe.Op)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := f.Fetch(ctx, bundlecache.NewRef("missing.bundle", 0))
		require.ErrorIs(t, err, ErrNotFound)
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		require.Equal(t, "missing.bundle", fe.Ref.Name)
	})

	t.Run("corrupt file", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[len(bad)-1] ^= 0xff
		require.NoError(t, fs.Write(ctx, bundlecache.BundleStorageKey("bad.bundle"), bytes.NewReader(bad)))

		_, err := f.Fetch(ctx, bundlecache.NewRef("bad.bundle", 0))
		require.Error(t, err)
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		require.Equal(t, "decode", fe.Op)
	})

	t.Run("invalid name", func(t *testing.T) {
		_, err := f.Fetch(ctx, bundlecache.NewRef("../etc", 0))
		require.ErrorIs(t, err, bundlecache.ErrInvalidName)
	})
}

// bundleHost serves one bundle file and counts downloads.
type bundleHost struct {
	mu        sync.Mutex
	files     map[string][]byte
	versions  map[string]int
	token     string
	downloads atomic.Int32
}

func newBundleHost() *bundleHost {
	return &bundleHost{files: map[string][]byte{}, versions: map[string]int{}}
}

func (h *bundleHost) set(name string, version int, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[name] = data
	h.versions[name] = version
}

func (h *bundleHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.URL.Path == "/manifest" {
		_, _ = io.WriteString(w, "bundles:\n  - name: ui.bundle\n    version: 2\n")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/bundles/")
	h.mu.Lock()
	data, ok := h.files[name]
	version := h.versions[name]
	h.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.downloads.Add(1)
	w.Header().Set(VersionHeader, strconv.Itoa(version))
	_, _ = w.Write(data)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	fs, err := backend.NewFilesystem(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	db := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })
	return store.New(fs, db)
}

func TestHTTPFetcherDownloadsOncePerVersion(t *testing.T) {
	ctx := context.Background()
	host := newBundleHost()
	host.set("ui.bundle", 1, packBundle(t, bundlecache.NewRef("ui.bundle", 1), map[string]string{"a.txt": "one"}))
	srv := httptest.NewServer(host)
	defer srv.Close()

	st := newTestStore(t)
	f, err := NewHTTPFetcher(HTTPConfig{BaseURL: srv.URL, Store: st})
	require.NoError(t, err)

	for range 3 {
		b, err := f.Fetch(ctx, bundlecache.NewRef("ui.bundle", 1))
		require.NoError(t, err)
		require.Equal(t, "one", readAsset(t, b, "a.txt"))
	}
	require.Equal(t, int32(1), host.downloads.Load())

	host.set("ui.bundle", 2, packBundle(t, bundlecache.NewRef("ui.bundle", 2), map[string]string{"a.txt": "two"}))

	b, err := f.Fetch(ctx, bundlecache.NewRef("ui.bundle", 2))
	require.NoError(t, err)
	require.Equal(t, "two", readAsset(t, b, "a.txt"))
	require.Equal(t, int32(2), host.downloads.Load())

	_, err = f.Fetch(ctx, bundlecache.NewRef("ui.bundle", 2))
	require.NoError(t, err)
	require.Equal(t, int32(2), host.downloads.Load())

	entries, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 2, entries[0].Version)
}

func TestHTTPFetcherWithoutStore(t *testing.T) {
	ctx := context.Background()
	host := newBundleHost()
	host.token = "secret"
	host.set("ui.bundle", 2, packBundle(t, bundlecache.NewRef("ui.bundle", 2), map[string]string{"a.txt": "two"}))
	srv := httptest.NewServer(host)
	defer srv.Close()

	f, err := NewHTTPFetcher(HTTPConfig{BaseURL: srv.URL + "/", Token: "secret"})
	require.NoError(t, err)

	_, err = f.Fetch(ctx, bundlecache.NewRef("ui.bundle", 0))
	require.NoError(t, err)
	_, err = f.Fetch(ctx, bundlecache.NewRef("ui.bundle", 0))
	require.NoError(t, err)
	require.Equal(t, int32(2), host.downloads.Load())

	_, err = f.Fetch(ctx, bundlecache.NewRef("ui.bundle", 1))
	require.ErrorIs(t, err, ErrVersionMismatch)

	_, err = f.Fetch(ctx, bundlecache.NewRef("nope.bundle", 0))
	require.ErrorIs(t, err, ErrNotFound)

	m, err := f.FetchManifest(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, m.Version("ui.bundle"))
}

func TestHTTPFetcherUnauthorized(t *testing.T) {
	host := newBundleHost()
	host.token = "secret"
	srv := httptest.NewServer(host)
	defer srv.Close()

	f, err := NewHTTPFetcher(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), bundlecache.NewRef("ui.bundle", 0))
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "download", fe.Op)
	require.False(t, errors.Is(err, ErrNotFound))

	_, err = f.FetchManifest(context.Background())
	require.Error(t, err)
}

func TestHTTPFetcherReplacesCorruptStoredCopy(t *testing.T) {
	ctx := context.Background()
	data := packBundle(t, bundlecache.NewRef("ui.bundle", 1), map[string]string{"a.txt": "one"})
	host := newBundleHost()
	host.set("ui.bundle", 1, data)
	srv := httptest.NewServer(host)
	defer srv.Close()

	st := newTestStore(t)
	_, err := st.Put(ctx, bundlecache.NewRef("ui.bundle", 1), strings.NewReader("not an archive"))
	require.NoError(t, err)

	f, err := NewHTTPFetcher(HTTPConfig{BaseURL: srv.URL, Store: st})
	require.NoError(t, err)

	b, err := f.Fetch(ctx, bundlecache.NewRef("ui.bundle", 1))
	require.NoError(t, err)
	require.Equal(t, "one", readAsset(t, b, "a.txt"))
	require.Equal(t, int32(1), host.downloads.Load())

	rc, _, err := st.Get(ctx, bundlecache.NewRef("ui.bundle", 1))
	require.NoError(t, err)
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, data, stored)
}

func TestNewHTTPFetcherRejectsBadURL(t *testing.T) {
	_, err := NewHTTPFetcher(HTTPConfig{BaseURL: "ftp://example.com"})
	require.Error(t, err)
}

func TestFetcherFunc(t *testing.T) {
	called := false
	var f Fetcher = FetcherFunc(func(_ context.Context, ref bundlecache.Ref) (bundlecache.Bundle, error) {
		called = true
		return nil, &FetchError{Ref: ref, Op: "test", Err: ErrNotFound}
	})
	_, err := f.Fetch(context.Background(), bundlecache.NewRef("a.bundle", 1))
	require.True(t, called)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, "fetch a.bundle@1: test: bundle not found", err.Error())
}


func TestFetchersLimitDecodedSize(t *testing.T) {
	ctx := context.Background()
	// 2 MiB of one byte compresses to a download far below the limit.
	data := packBundle(t, bundlecache.NewRef("levels.bundle", 1), map[string]string{"level.data": strings.Repeat("x", 2<<20)})
	require.Less(t, len(data), 1<<20)

	host := newBundleHost()
	host.set("levels.bundle", 1, data)
	srv := httptest.NewServer(host)
	defer srv.Close()

	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.Write(ctx, bundlecache.BundleStorageKey("levels.bundle"), bytes.NewReader(data)))

	httpFetcher, err := NewHTTPFetcher(HTTPConfig{BaseURL: srv.URL, MaxBundleSize: 1 << 20, MaxDecodedSize: 1 << 20})
	require.NoError(t, err)

	for name, f := range map[string]Fetcher{
		"http":    httpFetcher,
		"backend": NewBackendFetcher(fs, WithMaxDecodedSize(1<<20)),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.Fetch(ctx, bundlecache.NewRef("levels.bundle", 1))
			require.ErrorIs(t, err, archive.ErrTooLarge)
			var fe *FetchError
			require.ErrorAs(t, err, &fe)
			require.Equal(t, "decode", fe.Op)
		})
	}

	// The default limit admits the same bundle.
	b, err := NewBackendFetcher(fs).Fetch(ctx, bundlecache.NewRef("levels.bundle", 1))
	require.NoError(t, err)
	require.Len(t, readAsset(t, b, "level.data"), 2<<20)
}
