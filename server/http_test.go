package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/archive"
	"github.com/wolfeidau/bundle-cache/backend"
	"github.com/wolfeidau/bundle-cache/builder"
	"github.com/wolfeidau/bundle-cache/fetch"
	"github.com/wolfeidau/bundle-cache/manifest"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// buildDist builds two bundles into a fresh output directory.
func buildDist(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	for rel, content := range map[string]string{
		"Characters/hero.png": "hero",
		"UI/button.png":       "button",
	} {
		path := filepath.Join(src, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	dist := t.TempDir()
	fs, err := backend.NewFilesystem(dist)
	require.NoError(t, err)
	b, err := builder.New(fs, manifest.NewStore(fs), builder.Options{SourceDir: src, Lowercase: true, Logger: discardLogger})
	require.NoError(t, err)
	_, err = b.Build(context.Background())
	require.NoError(t, err)
	return dist
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.StoragePath == "" {
		cfg.StoragePath = buildDist(t)
	}
	cfg.Logger = discardLogger
	s, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, method, url string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(body))
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestManifestETag(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/manifest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	m := manifest.New()
	require.NoError(t, m.Load(bytes.NewReader(body)))
	require.Equal(t, []string{"characters.bundle", "ui.bundle"}, m.Names())

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/manifest", http.Header{"If-None-Match": {etag}})
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
	require.Empty(t, body)

	resp, body = doRequest(t, http.MethodHead, ts.URL+"/manifest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body)
	require.Equal(t, etag, resp.Header.Get("ETag"))
}

func TestManifestMissingIsEmpty(t *testing.T) {
	ts := newTestServer(t, Config{StoragePath: t.TempDir()})

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/manifest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	m, err := manifest.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	require.Zero(t, m.Len())
}

func TestBundleDownload(t *testing.T) {
	dist := buildDist(t)
	ts := newTestServer(t, Config{StoragePath: dist})

	onDisk, err := os.ReadFile(filepath.Join(dist, "bundles", "ui.bundle"))
	require.NoError(t, err)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/bundles/ui.bundle", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, onDisk, body)
	require.Equal(t, "1", resp.Header.Get(VersionHeader))
	require.Equal(t, strconv.Itoa(len(onDisk)), resp.Header.Get("Content-Length"))

	a, err := archive.Read(bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, []string{"button.png"}, a.Assets())

	resp, body = doRequest(t, http.MethodHead, ts.URL+"/bundles/ui.bundle", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body)
	require.Equal(t, "1", resp.Header.Get(VersionHeader))
}

func TestBundleErrors(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/bundles/missing.bundle", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, name := range []string{".hidden", "ui.bundle@2"} {
		resp, _ = doRequest(t, http.MethodGet, ts.URL+"/bundles/"+name, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/bundles/ui.bundle", nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]int64
	require.NoError(t, json.Unmarshal(body, &stats))
	require.Equal(t, int64(2), stats["bundles"])
	require.Positive(t, stats["total_size"])
	require.Equal(t, stats["total_size"], stats["disk_size"])
}

func TestServerWithAuthAndFetcher(t *testing.T) {
	ts := newTestServer(t, Config{AuthToken: "s3cret"})

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/bundles/ui.bundle", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f, err := fetch.NewHTTPFetcher(fetch.HTTPConfig{BaseURL: ts.URL, Token: "s3cret", Logger: discardLogger})
	require.NoError(t, err)

	b, err := f.Fetch(context.Background(), bundlecache.NewRef("characters.bundle", 1))
	require.NoError(t, err)
	rc, err := b.Open("hero.png")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hero", string(data))

	_, err = f.Fetch(context.Background(), bundlecache.NewRef("characters.bundle", 2))
	require.ErrorIs(t, err, fetch.ErrVersionMismatch)

	m, err := f.FetchManifest(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())
}
