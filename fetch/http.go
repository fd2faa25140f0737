package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/archive"
	"github.com/wolfeidau/bundle-cache/backend"
	"github.com/wolfeidau/bundle-cache/manifest"
	"github.com/wolfeidau/bundle-cache/store"
	"github.com/wolfeidau/bundle-cache/telemetry"
)

// VersionHeader carries the version of the bundle file in a response.
const VersionHeader = "X-Bundle-Version"

// DefaultMaxBundleSize bounds a single download.
const DefaultMaxBundleSize = 1 << 30

// HTTPConfig configures an HTTPFetcher.
type HTTPConfig struct {
	// BaseURL of the bundle host, e.g. "http://localhost:8080".
	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// Store keeps downloaded bundle files so each version is downloaded once.
	// Optional.
	Store *store.Store

	// Client is the HTTP client. Its transport is wrapped with metrics.
	// Default is a client with a 5 minute timeout.
	Client *http.Client

	// MaxBundleSize limits the size of a downloaded bundle file.
	MaxBundleSize int64

	// MaxDecodedSize limits the decoded assets of one bundle, which can be
	// far larger than the compressed download. Default is archive.DefaultMaxSize.
	MaxDecodedSize int64

	Logger *slog.Logger
}

// HTTPFetcher downloads bundles from a bundle host.
type HTTPFetcher struct {
	base    *url.URL
	token   string
	store   *store.Store
	client  *http.Client
	maxSize    int64
	maxDecoded int64
	logger     *slog.Logger
}

// NewHTTPFetcher creates a fetcher for the host at cfg.BaseURL.
func NewHTTPFetcher(cfg HTTPConfig) (*HTTPFetcher, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", base.Scheme)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBundleSize <= 0 {
		cfg.MaxBundleSize = DefaultMaxBundleSize
	}
	if cfg.MaxDecodedSize <= 0 {
		cfg.MaxDecodedSize = archive.DefaultMaxSize
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	if cfg.Client != nil {
		c := *cfg.Client
		client = &c
	}
	rt := client.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	client.Transport = telemetry.NewInstrumentedTransport(rt, "bundle_host")

	return &HTTPFetcher{
		base:       base,
		token:      cfg.Token,
		store:      cfg.Store,
		client:     client,
		maxSize:    cfg.MaxBundleSize,
		maxDecoded: cfg.MaxDecodedSize,
		logger:     cfg.Logger.With("component", "fetch", "source", "http"),
	}, nil
}

// Fetch returns the bundle for ref. With a store configured, a stored copy
// of exactly ref.Version is used instead of downloading.
func (f *HTTPFetcher) Fetch(ctx context.Context, ref bundlecache.Ref) (bundlecache.Bundle, error) {
	if err := bundlecache.ValidateName(ref.Name); err != nil {
		return nil, fetchError(ref, "validate", err)
	}

	if f.store != nil && ref.Version != 0 {
		if a, ok := f.fromStore(ctx, ref); ok {
			return a, nil
		}
	}

	data, err := f.download(ctx, ref)
	if err != nil {
		return nil, err
	}

	a, err := archive.Read(bytes.NewReader(data), archive.WithMaxSize(f.maxDecoded))
	if err != nil {
		return nil, fetchError(ref, "decode", err)
	}
	if err := checkRef(ref, a); err != nil {
		return nil, err
	}

	if f.store != nil {
		if _, err := f.store.Put(ctx, a.Ref(), bytes.NewReader(data)); err != nil {
			f.logger.Warn("storing downloaded bundle", "ref", a.Ref().String(), "error", err)
		}
	}

	f.logger.Debug("downloaded bundle", "ref", a.Ref().String(), "size", len(data))
	return a, nil
}

func (f *HTTPFetcher) fromStore(ctx context.Context, ref bundlecache.Ref) (*archive.Archive, bool) {
	rc, _, err := f.store.Get(ctx, ref)
	if err != nil {
		if !errors.Is(err, backend.ErrNotFound) && !errors.Is(err, store.ErrVersionMismatch) {
			f.logger.Warn("reading stored bundle", "ref", ref.String(), "error", err)
		}
		return nil, false
	}
	defer func() { _ = rc.Close() }()

	a, err := archive.Read(rc, archive.WithMaxSize(f.maxDecoded))
	if err == nil {
		err = checkRef(ref, a)
	}
	if err != nil {
		f.logger.Warn("discarding unusable stored bundle", "ref", ref.String(), "error", err)
		if derr := f.store.Delete(ctx, ref.Name); derr != nil {
			f.logger.Error("deleting stored bundle", "ref", ref.String(), "error", derr)
		}
		return nil, false
	}

	f.logger.Debug("loaded bundle from store", "ref", ref.String())
	return a, true
}

func (f *HTTPFetcher) download(ctx context.Context, ref bundlecache.Ref) ([]byte, error) {
	resp, err := f.get(ctx, "bundles/"+url.PathEscape(ref.Name))
	if err != nil {
		return nil, fetchError(ref, "download", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fetchError(ref, "download", ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fetchError(ref, "download", fmt.Errorf("unexpected status %s", resp.Status))
	}

	if ref.Version != 0 {
		if v, err := strconv.Atoi(resp.Header.Get(VersionHeader)); err == nil && v != ref.Version {
			return nil, fetchError(ref, "download", fmt.Errorf("%w: host has version %d", ErrVersionMismatch, v))
		}
	}
	if resp.ContentLength > f.maxSize {
		return nil, fetchError(ref, "download", fmt.Errorf("bundle is %d bytes, limit is %d", resp.ContentLength, f.maxSize))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fetchError(ref, "download", err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, fetchError(ref, "download", fmt.Errorf("bundle exceeds %d bytes", f.maxSize))
	}
	return data, nil
}

// FetchManifest downloads the host's manifest.
func (f *HTTPFetcher) FetchManifest(ctx context.Context) (*manifest.Manifest, error) {
	resp, err := f.get(ctx, "manifest")
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: unexpected status %s", resp.Status)
	}
	return manifest.Decode(resp.Body)
}

func (f *HTTPFetcher) get(ctx context.Context, path string) (*http.Response, error) {
	u := f.base.String() + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	return f.client.Do(req)
}
