// Package download provides singleflight-based deduplication for concurrent
// bundle fetches. When several callers ask for the same bundle before it is
// loaded, only one fetch is performed and every caller gets its result.
package download

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	bundlecache "github.com/wolfeidau/bundle-cache"
)

// Result holds the outcome of a fetch.
type Result struct {
	Bundle   bundlecache.Bundle
	Duration time.Duration
	// Owner is set by the DownloadFunc to whatever now holds Bundle, so every
	// waiter can tell which holder it was given.
	Owner any
}

// DownloadFunc fetches and loads a bundle.
// The context passed to DownloadFunc is detached from any single caller so
// that one caller giving up does not cancel the fetch for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent fetches for the same bundle name
// using singleflight. It uses DoChan so each caller can respect its own
// context deadline without cancelling the in-flight fetch for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent fetches for the same key.
// The fn receives a context detached from the caller's cancellation.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context ends before the fetch completes, Do returns the
// context error but the in-flight fetch continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		start := time.Now()
		res, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			d.logger.Debug("fetch failed", "key", key, "duration", time.Since(start), "error", err)
			return nil, err
		}
		if res.Duration == 0 {
			res.Duration = time.Since(start)
		}
		return res, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
