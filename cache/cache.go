// Package cache keeps loaded bundles in memory for as long as something
// uses them.
//
// Each loaded bundle has a record holding the consumers registered against
// it. A periodic sweep drops consumers that are no longer alive and unloads
// bundles whose consumer set becomes empty. Concurrent requests for a bundle
// that is not yet loaded share a single fetch.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/download"
	"github.com/wolfeidau/bundle-cache/fetch"
	"github.com/wolfeidau/bundle-cache/telemetry"
)

// DefaultSweepInterval is how often Start sweeps when Config.SweepInterval is zero.
const DefaultSweepInterval = 5 * time.Second

// ErrNilConsumer is returned by AcquireFor when no consumer is given.
var ErrNilConsumer = errors.New("nil consumer")

// Config configures a Cache.
type Config struct {
	// SweepInterval is the period of the background sweep. A bundle stays
	// resident for at most one interval after its last consumer dies.
	SweepInterval time.Duration

	Logger *slog.Logger
}

type record struct {
	name      string
	bundle    bundlecache.Bundle
	consumers []Consumer
	createdAt time.Time
}

// Cache holds loaded bundles keyed by name.
type Cache struct {
	fetcher   fetch.Fetcher
	downloads *download.Downloader
	config    Config
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	records map[string]*record

	lifecycle sync.Mutex
	running   bool
	stopped   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a cache that loads missing bundles with f.
func New(f fetch.Fetcher, cfg Config) *Cache {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "cache")

	return &Cache{
		fetcher:   f,
		downloads: download.New(download.WithLogger(logger)),
		config:    cfg,
		logger:    logger,
		now:       time.Now,
		records:   make(map[string]*record),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Acquire returns the loaded bundle for name, fetching it if needed.
//
// A loaded bundle is returned as is; version is only passed to the fetcher
// when nothing is loaded. Callers waiting on the same name share one fetch.
// If ctx ends first Acquire returns ctx.Err() while the fetch carries on for
// the other waiters. Fetch failures are returned as *fetch.FetchError.
func (c *Cache) Acquire(ctx context.Context, name string, version int) (bundlecache.Bundle, error) {
	r, err := c.acquire(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return r.bundle, nil
}

// acquire returns the record holding name, fetching the bundle if needed.
func (c *Cache) acquire(ctx context.Context, name string, version int) (*record, error) {
	if err := bundlecache.ValidateName(name); err != nil {
		c.logger.Error("acquire with invalid bundle name", "name", name, "error", err)
		telemetry.RecordCacheAcquire(ctx, telemetry.AcquireError)
		return nil, err
	}

	if r, ok := c.record(name); ok {
		telemetry.RecordCacheAcquire(ctx, telemetry.AcquireHit)
		return r, nil
	}

	ref := bundlecache.NewRef(name, version)
	res, shared, err := c.downloads.Do(ctx, name, func(fctx context.Context) (*download.Result, error) {
		return c.load(fctx, ref)
	})
	if err != nil {
		telemetry.RecordCacheAcquire(ctx, telemetry.AcquireError)
		return nil, err
	}

	if shared {
		telemetry.RecordCacheAcquire(ctx, telemetry.AcquireShared)
	} else {
		telemetry.RecordCacheAcquire(ctx, telemetry.AcquireMiss)
	}
	return res.Owner.(*record), nil
}

func (c *Cache) record(name string) (*record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[name]
	return r, ok
}

// load runs once per in-flight name. It inserts the record itself so the
// result is kept even when every waiter has given up.
func (c *Cache) load(ctx context.Context, ref bundlecache.Ref) (*download.Result, error) {
	if r, ok := c.record(ref.Name); ok {
		return &download.Result{Bundle: r.bundle, Owner: r}, nil
	}

	start := c.now()
	b, err := c.fetcher.Fetch(ctx, ref)
	duration := c.now().Sub(start)
	if err == nil && b == nil {
		err = errors.New("fetcher returned no bundle")
	}
	if err != nil {
		telemetry.RecordBundleFetch(ctx, "error", duration)
		var fe *fetch.FetchError
		if !errors.As(err, &fe) {
			err = &fetch.FetchError{Ref: ref, Op: "fetch", Err: err}
		}
		c.logger.Warn("bundle fetch failed", "ref", ref.String(), "duration", duration, "error", err)
		return nil, err
	}
	telemetry.RecordBundleFetch(ctx, "success", duration)

	c.mu.Lock()
	if existing, ok := c.records[ref.Name]; ok {
		c.mu.Unlock()
		c.unload(ref.Name, b)
		return &download.Result{Bundle: existing.bundle, Duration: duration, Owner: existing}, nil
	}
	r := &record{
		name:      ref.Name,
		bundle:    b,
		createdAt: c.now(),
	}
	c.records[ref.Name] = r
	resident := len(c.records)
	c.mu.Unlock()

	telemetry.SetResidentBundles(ctx, resident)
	c.logger.Debug("bundle loaded", "ref", b.Ref().String(), "duration", duration)
	return &download.Result{Bundle: b, Duration: duration, Owner: r}, nil
}

// AcquireFor acquires the bundle and registers consumer against it in one
// step, so a sweep cannot evict the record in between.
func (c *Cache) AcquireFor(ctx context.Context, name string, version int, consumer Consumer) (bundlecache.Bundle, error) {
	if consumer == nil {
		c.logger.Error("acquire with nil consumer", "name", name)
		return nil, ErrNilConsumer
	}

	for {
		acquired, err := c.acquire(ctx, name, version)
		if err != nil {
			return nil, err
		}

		// Records are compared by pointer; Bundle values need not be comparable.
		c.mu.Lock()
		if r, ok := c.records[name]; ok && r == acquired {
			r.consumers = append(r.consumers, consumer)
			c.mu.Unlock()
			return r.bundle, nil
		}
		c.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.logger.Debug("record evicted before registration, acquiring again", "name", name)
	}
}

// RegisterConsumer adds consumer to the record for name. It returns false,
// and logs the mistake, when the bundle is not loaded or consumer is nil.
func (c *Cache) RegisterConsumer(name string, consumer Consumer) bool {
	if consumer == nil {
		c.logger.Error("register nil consumer", "name", name)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[name]
	if !ok {
		c.logger.Error("register consumer for bundle that is not loaded", "name", name)
		return false
	}
	r.consumers = append(r.consumers, consumer)
	return true
}

// ReleaseAll removes the record for name, destroys its consumers and unloads
// the bundle. It returns false when name is not loaded.
func (c *Cache) ReleaseAll(name string) bool {
	c.mu.Lock()
	r, ok := c.records[name]
	if ok {
		delete(c.records, name)
	}
	resident := len(c.records)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("release of bundle that is not loaded", "name", name)
		return false
	}

	c.release(r)
	ctx := context.Background()
	telemetry.RecordRelease(ctx, "release", 1)
	telemetry.SetResidentBundles(ctx, resident)
	return true
}

// Purge releases every record and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	records := make([]*record, 0, len(c.records))
	for _, r := range c.records {
		records = append(records, r)
	}
	c.records = make(map[string]*record)
	c.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].name < records[j].name })
	for _, r := range records {
		c.release(r)
	}

	ctx := context.Background()
	telemetry.RecordRelease(ctx, "purge", len(records))
	telemetry.SetResidentBundles(ctx, 0)
	if len(records) > 0 {
		c.logger.Info("purged bundles", "count", len(records))
	}
	return len(records)
}

// release tears down a record that has already been removed from the map.
func (c *Cache) release(r *record) {
	consumers := r.consumers
	r.consumers = nil
	for _, consumer := range consumers {
		if d, ok := consumer.(Destroyer); ok {
			d.Destroy()
		}
	}
	c.unload(r.name, r.bundle)
	c.logger.Debug("bundle released", "name", r.name, "consumers", len(consumers))
}

func (c *Cache) unload(name string, b bundlecache.Bundle) {
	if err := b.Unload(); err != nil {
		c.logger.Warn("unloading bundle", "name", name, "error", err)
	}
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Checked   int
	Pruned    int // dead consumers removed
	Evicted   int // records removed
	Remaining int
	Duration  time.Duration
}

// Sweep drops dead consumers and unloads every bundle left with none.
func (c *Cache) Sweep(ctx context.Context) SweepResult {
	start := c.now()
	var (
		result  SweepResult
		evicted []*record
	)

	c.mu.Lock()
	for name, r := range c.records {
		result.Checked++
		live := r.consumers[:0]
		for _, consumer := range r.consumers {
			if consumer.Alive() {
				live = append(live, consumer)
			} else {
				result.Pruned++
			}
		}
		clear(r.consumers[len(live):])
		r.consumers = live

		if len(live) == 0 {
			delete(c.records, name)
			evicted = append(evicted, r)
		}
	}
	result.Remaining = len(c.records)
	c.mu.Unlock()

	for _, r := range evicted {
		c.unload(r.name, r.bundle)
		c.logger.Debug("bundle evicted", "name", r.name, "age", start.Sub(r.createdAt))
	}

	result.Evicted = len(evicted)
	result.Duration = c.now().Sub(start)
	telemetry.RecordSweep(ctx, result.Pruned, result.Evicted, result.Duration)
	if result.Evicted > 0 {
		telemetry.SetResidentBundles(ctx, result.Remaining)
		c.logger.Info("sweep complete",
			"checked", result.Checked,
			"pruned", result.Pruned,
			"evicted", result.Evicted,
			"remaining", result.Remaining,
		)
	}
	return result
}

// Get returns the loaded bundle for name without fetching.
func (c *Cache) Get(name string) (bundlecache.Bundle, bool) {
	r, ok := c.record(name)
	if !ok {
		return nil, false
	}
	return r.bundle, true
}

// Len returns the number of loaded bundles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// RecordInfo describes one loaded bundle.
type RecordInfo struct {
	Name          string
	Version       int
	Consumers     int
	LiveConsumers int
	Age           time.Duration
}

func (i RecordInfo) String() string {
	return fmt.Sprintf("%s@%d consumers=%d live=%d age=%s", i.Name, i.Version, i.Consumers, i.LiveConsumers, i.Age)
}

// Snapshot returns the loaded bundles ordered by name.
func (c *Cache) Snapshot() []RecordInfo {
	now := c.now()

	c.mu.Lock()
	infos := make([]RecordInfo, 0, len(c.records))
	for _, r := range c.records {
		info := RecordInfo{
			Name:      r.name,
			Version:   r.bundle.Ref().Version,
			Consumers: len(r.consumers),
			Age:       now.Sub(r.createdAt),
		}
		for _, consumer := range r.consumers {
			if consumer.Alive() {
				info.LiveConsumers++
			}
		}
		infos = append(infos, info)
	}
	c.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Start runs Sweep every SweepInterval until Stop is called or ctx ends.
func (c *Cache) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	if c.stopped || c.running {
		c.lifecycle.Unlock()
		return nil
	}
	c.running = true
	c.lifecycle.Unlock()

	go c.run(ctx)
	return nil
}

// Stop stops the background sweep.
func (c *Cache) Stop() {
	c.lifecycle.Lock()
	if !c.running || c.stopped {
		c.lifecycle.Unlock()
		return
	}
	c.stopped = true
	c.lifecycle.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

func (c *Cache) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Close stops the sweeper and releases every loaded bundle.
func (c *Cache) Close() error {
	c.Stop()
	c.Purge()
	return nil
}
