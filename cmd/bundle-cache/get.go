package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/backend"
	"github.com/wolfeidau/bundle-cache/cache"
	"github.com/wolfeidau/bundle-cache/expiry"
	"github.com/wolfeidau/bundle-cache/fetch"
	"github.com/wolfeidau/bundle-cache/store"
	"github.com/wolfeidau/bundle-cache/store/metadb"
)

type GetCmd struct {
	Ref string `arg:"" help:"Bundle to fetch, as name or name@version."`

	URL   string `help:"Bundle host base URL. When empty bundles are read from --dir."`
	Dir   string `help:"Build output directory used when no --url is given." default:"./dist" type:"path"`
	Token string `help:"Bearer token for the bundle host."`

	StoreDir     string        `help:"Keep downloaded bundles here and reuse them while the version matches." type:"path"`
	CacheTTL     time.Duration `help:"Remove stored bundles not used for this long (0 disables)." default:"168h"`
	CacheMaxSize int64         `help:"Maximum size of stored bundles in bytes (0 disables)." default:"2147483648"`

	MaxDecodedSize int64 `help:"Refuse bundles whose assets decode to more than this many bytes." default:"1073741824"`

	Extract string        `help:"Directory to extract assets into." default:"." type:"path"`
	Asset   []string      `help:"Only extract these assets."`
	Timeout time.Duration `help:"Give up after this long." default:"5m"`
}

func (c *GetCmd) Run(g *Globals) error {
	logger, err := g.newLogger(os.Stderr)
	if err != nil {
		return err
	}

	ref, err := bundlecache.ParseRef(c.Ref)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var (
		db metadb.MetaDB
		st *store.Store
	)
	if c.StoreDir != "" && c.URL != "" {
		db, st, err = openStore(ctx, c.StoreDir, logger)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
	}

	fetcher, err := c.fetcher(st, logger)
	if err != nil {
		return err
	}

	bundles := cache.New(fetcher, cache.Config{Logger: logger})
	defer func() { _ = bundles.Close() }()

	handle := cache.NewHandle(nil)
	b, err := bundles.AcquireFor(ctx, ref.Name, ref.Version, handle)
	if err != nil {
		return err
	}

	extracted, err := c.extract(b)
	if err != nil {
		return err
	}
	fmt.Printf("%s: extracted %d of %d assets to %s\n", b.Ref(), extracted, len(b.Assets()), c.Extract)

	handle.Destroy()
	bundles.Sweep(ctx)

	if st != nil && (c.CacheTTL > 0 || c.CacheMaxSize > 0) {
		cfg := expiry.DefaultConfig()
		cfg.TTL = c.CacheTTL
		cfg.MaxSize = c.CacheMaxSize
		cfg.Logger = logger
		expiry.NewManager(db, st, cfg).RunOnce(ctx)
	}
	return nil
}

func (c *GetCmd) fetcher(st *store.Store, logger *slog.Logger) (fetch.Fetcher, error) {
	if c.URL == "" {
		fs, err := backend.NewFilesystem(c.Dir)
		if err != nil {
			return nil, err
		}
		return fetch.NewBackendFetcher(fs, fetch.WithLogger(logger), fetch.WithMaxDecodedSize(c.MaxDecodedSize)), nil
	}
	return fetch.NewHTTPFetcher(fetch.HTTPConfig{
		BaseURL:        c.URL,
		Token:          c.Token,
		Store:          st,
		MaxDecodedSize: c.MaxDecodedSize,
		Logger:         logger,
	})
}

func openStore(ctx context.Context, dir string, logger *slog.Logger) (metadb.MetaDB, *store.Store, error) {
	fs, err := backend.NewFilesystem(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("creating store backend: %w", err)
	}
	db := metadb.New(metadb.WithLogger(logger))
	if err := db.Open(filepath.Join(dir, "index.db")); err != nil {
		return nil, nil, fmt.Errorf("opening store index: %w", err)
	}
	st := store.New(backend.NewInstrumentedBackend(fs, "store"), db, store.WithLogger(logger))
	if n, err := st.Prune(ctx); err != nil {
		logger.Warn("pruning store", "error", err)
	} else if n > 0 {
		logger.Info("pruned orphaned bundle files", "count", n)
	}
	return db, st, nil
}

func (c *GetCmd) extract(b bundlecache.Bundle) (int, error) {
	if err := os.MkdirAll(c.Extract, 0o755); err != nil {
		return 0, err
	}

	var n int
	for _, asset := range b.Assets() {
		if len(c.Asset) > 0 && !slices.Contains(c.Asset, asset) {
			continue
		}
		if !filepath.IsLocal(asset) {
			return n, fmt.Errorf("refusing to extract %q outside %s", asset, c.Extract)
		}
		if err := extractAsset(b, asset, filepath.Join(c.Extract, asset)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func extractAsset(b bundlecache.Bundle, asset, path string) error {
	rc, err := b.Open(asset)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
