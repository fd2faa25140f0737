package fetch

import (
	"context"
	"errors"
	"log/slog"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/archive"
	"github.com/wolfeidau/bundle-cache/backend"
)

// BackendFetcher loads built bundles straight from a backend, such as the
// output directory of a build.
type BackendFetcher struct {
	backend backend.Backend
	maxSize int64
	logger  *slog.Logger
}

// Option configures a fetcher.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	maxSize int64
}

// WithLogger sets the logger for the fetcher.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMaxDecodedSize limits the decoded assets of one bundle to n bytes.
// Default is archive.DefaultMaxSize.
func WithMaxDecodedSize(n int64) Option {
	return func(o *options) {
		o.maxSize = n
	}
}

func applyOptions(opts []Option) options {
	o := options{logger: slog.Default(), maxSize: archive.DefaultMaxSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewBackendFetcher creates a fetcher reading bundles/<name> from b.
func NewBackendFetcher(b backend.Backend, opts ...Option) *BackendFetcher {
	o := applyOptions(opts)
	return &BackendFetcher{
		backend: b,
		maxSize: o.maxSize,
		logger:  o.logger.With("component", "fetch", "source", "backend"),
	}
}

// Fetch reads and verifies the bundle file for ref.
func (f *BackendFetcher) Fetch(ctx context.Context, ref bundlecache.Ref) (bundlecache.Bundle, error) {
	if err := bundlecache.ValidateName(ref.Name); err != nil {
		return nil, fetchError(ref, "validate", err)
	}

	rc, err := f.backend.Read(ctx, bundlecache.BundleStorageKey(ref.Name))
	if errors.Is(err, backend.ErrNotFound) {
		return nil, fetchError(ref, "read", ErrNotFound)
	}
	if err != nil {
		return nil, fetchError(ref, "read", err)
	}
	defer func() { _ = rc.Close() }()

	a, err := archive.Read(rc, archive.WithMaxSize(f.maxSize))
	if err != nil {
		return nil, fetchError(ref, "decode", err)
	}
	if err := checkRef(ref, a); err != nil {
		return nil, err
	}

	f.logger.Debug("loaded bundle", "ref", a.Ref().String(), "assets", len(a.Assets()), "size", a.Size())
	return a, nil
}
