package cache

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/fetch"
)

type testBundle struct {
	ref      bundlecache.Ref
	unloaded atomic.Bool
}

func (b *testBundle) Ref() bundlecache.Ref { return b.ref }
func (b *testBundle) Assets() []string     { return []string{"asset.txt"} }

func (b *testBundle) Open(asset string) (io.ReadCloser, error) {
	if b.unloaded.Load() {
		return nil, bundlecache.ErrUnloaded
	}
	if asset != "asset.txt" {
		return nil, bundlecache.ErrAssetNotFound
	}
	return io.NopCloser(strings.NewReader(b.ref.String())), nil
}

func (b *testBundle) Unload() error {
	b.unloaded.Store(true)
	return nil
}

// countingFetcher creates a testBundle per fetch and counts fetches by name.
type countingFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	bundles []*testBundle
	gate    chan struct{} // when set, fetches wait for it to close
	started chan struct{}
	err     error
}

func newCountingFetcher() *countingFetcher {
	return &countingFetcher{calls: map[string]int{}}
}

func (f *countingFetcher) Fetch(ctx context.Context, ref bundlecache.Ref) (bundlecache.Bundle, error) {
	f.mu.Lock()
	f.calls[ref.Name]++
	gate, started, err := f.gate, f.started, f.err
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	version := ref.Version
	if version == 0 {
		version = 1
	}
	b := &testBundle{ref: bundlecache.NewRef(ref.Name, version)}
	f.mu.Lock()
	f.bundles = append(f.bundles, b)
	f.mu.Unlock()
	return b, nil
}

func (f *countingFetcher) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// destroyable is a consumer that records Destroy calls.
type destroyable struct {
	alive     atomic.Bool
	destroyed atomic.Int32
}

func newDestroyable() *destroyable {
	d := &destroyable{}
	d.alive.Store(true)
	return d
}

func (d *destroyable) Alive() bool { return d.alive.Load() }

func (d *destroyable) Destroy() {
	d.destroyed.Add(1)
	d.alive.Store(false)
}

func newTestCache(t *testing.T, f fetch.Fetcher) *Cache {
	t.Helper()
	c := New(f, Config{})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheScenario(t *testing.T) {
	ctx := context.Background()
	f := newCountingFetcher()
	c := newTestCache(t, f)

	b, err := c.Acquire(ctx, "a.bundle", 1)
	require.NoError(t, err)
	require.Equal(t, 1, f.count("a.bundle"))
	require.Equal(t, bundlecache.NewRef("a.bundle", 1), b.Ref())

	c1 := NewHandle(nil)
	require.True(t, c.RegisterConsumer("a.bundle", c1))

	result := c.Sweep(ctx)
	require.Equal(t, SweepResult{Checked: 1, Remaining: 1, Duration: result.Duration}, result)
	_, ok := c.Get("a.bundle")
	require.True(t, ok)

	c1.Destroy()
	result = c.Sweep(ctx)
	require.Equal(t, 1, result.Pruned)
	require.Equal(t, 1, result.Evicted)
	require.Zero(t, result.Remaining)

	_, ok = c.Get("a.bundle")
	require.False(t, ok)
	_, err = b.Open("asset.txt")
	require.ErrorIs(t, err, bundlecache.ErrUnloaded)
}

func TestCacheAcquireHitIgnoresVersion(t *testing.T) {
	ctx := context.Background()
	f := newCountingFetcher()
	c := newTestCache(t, f)

	first, err := c.Acquire(ctx, "a.bundle", 1)
	require.NoError(t, err)

	second, err := c.Acquire(ctx, "a.bundle", 7)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, f.count("a.bundle"))
}

func TestCacheConcurrentAcquireFetchesOnce(t *testing.T) {
	ctx := context.Background()
	f := newCountingFetcher()
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 1)
	c := newTestCache(t, f)

	const callers = 20
	results := make([]bundlecache.Bundle, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Acquire(ctx, "shared.bundle", 3)
		}()
	}

	<-f.started
	// Give the remaining callers time to join the in-flight fetch
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	require.Equal(t, 1, f.count("shared.bundle"))
	for i := range callers {
		require.NoError(t, errs[i])
		require.Same(t, results[0], results[i])
	}
	require.Equal(t, 1, c.Len())
}

func TestCacheAcquireCallerTimeout(t *testing.T) {
	f := newCountingFetcher()
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 1)
	c := newTestCache(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, "slow.bundle", 1)
		errCh <- err
	}()

	<-f.started
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The fetch completes on its own and the record is kept
	close(f.gate)
	require.Eventually(t, func() bool {
		_, ok := c.Get("slow.bundle")
		return ok
	}, time.Second, 10*time.Millisecond)

	_, err := c.Acquire(context.Background(), "slow.bundle", 1)
	require.NoError(t, err)
	require.Equal(t, 1, f.count("slow.bundle"))
}

func TestCacheAcquireFetchError(t *testing.T) {
	ctx := context.Background()
	f := newCountingFetcher()
	f.err = errors.New("connection refused")
	c := newTestCache(t, f)

	_, err := c.Acquire(ctx, "broken.bundle", 1)
	var fe *fetch.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, bundlecache.NewRef("broken.bundle", 1), fe.Ref)
	require.Equal(t, 1, f.count("broken.bundle"), "failures are not retried")
	require.Zero(t, c.Len())

	notFound := New(fetch.FetcherFunc(func(_ context.Context, ref bundlecache.Ref) (bundlecache.Bundle, error) {
		return nil, &fetch.FetchError{Ref: ref, Op: "read", Err: fetch.ErrNotFound}
	}), Config{})
	_, err = notFound.Acquire(ctx, "missing.bundle", 0)
	require.ErrorIs(t, err, fetch.ErrNotFound)
}

func TestCacheAcquireInvalidName(t *testing.T) {
	f := newCountingFetcher()
	c := newTestCache(t, f)

	_, err := c.Acquire(context.Background(), "../secrets", 1)
	require.ErrorIs(t, err, bundlecache.ErrInvalidName)
	require.Zero(t, f.count("../secrets"))
}

func TestCacheRegisterConsumer(t *testing.T) {
	c := newTestCache(t, newCountingFetcher())

	require.False(t, c.RegisterConsumer("not-loaded.bundle", NewHandle(nil)))
	require.Zero(t, c.Len(), "registering before acquiring has no effect")

	_, err := c.Acquire(context.Background(), "a.bundle", 1)
	require.NoError(t, err)
	require.False(t, c.RegisterConsumer("a.bundle", nil))
	require.True(t, c.RegisterConsumer("a.bundle", ConsumerFunc(func() bool { return true })))

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, 1, snap[0].Consumers)
}

func TestCacheReleaseAll(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newCountingFetcher())

	b, err := c.Acquire(ctx, "a.bundle", 1)
	require.NoError(t, err)

	d1, d2 := newDestroyable(), newDestroyable()
	require.True(t, c.RegisterConsumer("a.bundle", d1))
	require.True(t, c.RegisterConsumer("a.bundle", d2))
	require.True(t, c.RegisterConsumer("a.bundle", ConsumerFunc(func() bool { return true })))

	require.True(t, c.ReleaseAll("a.bundle"))
	require.Equal(t, int32(1), d1.destroyed.Load())
	require.Equal(t, int32(1), d2.destroyed.Load())

	_, ok := c.Get("a.bundle")
	require.False(t, ok)
	require.True(t, b.(*testBundle).unloaded.Load())

	require.False(t, c.ReleaseAll("a.bundle"), "releasing twice is a no-op")
}

func TestCachePurge(t *testing.T) {
	ctx := context.Background()
	f := newCountingFetcher()
	c := newTestCache(t, f)

	h := NewHandle(nil)
	for _, name := range []string{"a.bundle", "b.bundle", "c.bundle"} {
		_, err := c.AcquireFor(ctx, name, 1, h)
		require.NoError(t, err)
	}

	require.Equal(t, 3, c.Purge())
	require.Zero(t, c.Len())
	require.False(t, h.Alive(), "handles are destroyed with their bundles")
	for _, b := range f.bundles {
		require.True(t, b.unloaded.Load())
	}
	require.Zero(t, c.Purge())
}

func TestCacheAcquireFor(t *testing.T) {
	ctx := context.Background()
	f := newCountingFetcher()
	c := newTestCache(t, f)

	h := NewHandle(nil)
	b, err := c.AcquireFor(ctx, "a.bundle", 2, h)
	require.NoError(t, err)
	require.Equal(t, 2, b.Ref().Version)

	result := c.Sweep(ctx)
	require.Zero(t, result.Evicted)

	_, err = c.AcquireFor(ctx, "a.bundle", 2, nil)
	require.ErrorIs(t, err, ErrNilConsumer)

	// After a release the next AcquireFor loads a fresh bundle
	require.True(t, c.ReleaseAll("a.bundle"))
	h2 := NewHandle(nil)
	b2, err := c.AcquireFor(ctx, "a.bundle", 2, h2)
	require.NoError(t, err)
	require.NotSame(t, b, b2)
	require.Equal(t, 2, f.count("a.bundle"))
}

// valueBundle is a Bundle implemented on a non-comparable struct value.
type valueBundle struct {
	ref    bundlecache.Ref
	assets []string
}

func (b valueBundle) Ref() bundlecache.Ref { return b.ref }
func (b valueBundle) Assets() []string     { return b.assets }
func (b valueBundle) Open(string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(b.ref.String())), nil
}
func (b valueBundle) Unload() error { return nil }

func TestCacheAcquireForValueBundle(t *testing.T) {
	ctx := context.Background()
	f := fetch.FetcherFunc(func(_ context.Context, ref bundlecache.Ref) (bundlecache.Bundle, error) {
		return valueBundle{ref: bundlecache.NewRef(ref.Name, 1), assets: []string{"a.txt"}}, nil
	})
	c := newTestCache(t, f)

	var (
		b   bundlecache.Bundle
		err error
	)
	require.NotPanics(t, func() {
		b, err = c.AcquireFor(ctx, "a.bundle", 1, NewHandle(nil))
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt"}, b.Assets())

	// A hit registers against the existing record as well
	require.NotPanics(t, func() {
		_, err = c.AcquireFor(ctx, "a.bundle", 1, NewHandle(nil))
	})
	require.NoError(t, err)
	require.Equal(t, 2, c.Snapshot()[0].Consumers)
}

func TestCacheSweepNeverLeavesEmptyRecords(t *testing.T) {
	ctx := context.Background()
	f := newCountingFetcher()
	c := newTestCache(t, f)
	rng := rand.New(rand.NewPCG(1, 2))

	names := []string{"a.bundle", "b.bundle", "c.bundle", "d.bundle"}
	var handles []*Handle

	for step := range 500 {
		name := names[rng.IntN(len(names))]
		switch rng.IntN(5) {
		case 0:
			_, err := c.Acquire(ctx, name, 1)
			require.NoError(t, err)
		case 1:
			h := NewHandle(nil)
			if c.RegisterConsumer(name, h) {
				handles = append(handles, h)
			}
		case 2:
			if len(handles) > 0 {
				handles[rng.IntN(len(handles))].Destroy()
			}
		case 3:
			h := NewHandle(nil)
			_, err := c.AcquireFor(ctx, name, 1, h)
			require.NoError(t, err)
			handles = append(handles, h)
		case 4:
			c.Sweep(ctx)
			for _, info := range c.Snapshot() {
				require.Positive(t, info.Consumers, "step %d: %s has no consumers after sweep", step, info.Name)
				require.Equal(t, info.Consumers, info.LiveConsumers, "step %d: %s kept a dead consumer", step, info.Name)
			}
		}
	}

	for _, h := range handles {
		h.Destroy()
	}
	result := c.Sweep(ctx)
	require.Zero(t, result.Remaining)
	for _, b := range f.bundles {
		require.True(t, b.unloaded.Load(), "%s still loaded", b.ref)
	}
}

func TestCacheSnapshot(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newCountingFetcher())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	_, err := c.AcquireFor(ctx, "b.bundle", 4, NewHandle(nil))
	require.NoError(t, err)
	_, err = c.AcquireFor(ctx, "a.bundle", 1, ConsumerFunc(func() bool { return false }))
	require.NoError(t, err)

	now = base.Add(time.Minute)
	snap := c.Snapshot()
	require.Equal(t, []RecordInfo{
		{Name: "a.bundle", Version: 1, Consumers: 1, LiveConsumers: 0, Age: time.Minute},
		{Name: "b.bundle", Version: 4, Consumers: 1, LiveConsumers: 1, Age: time.Minute},
	}, snap)
	require.Equal(t, "a.bundle@1 consumers=1 live=0 age=1m0s", snap[0].String())
	require.Equal(t, 2, c.Len())
}

func TestCacheBackgroundSweep(t *testing.T) {
	ctx := context.Background()
	c := New(newCountingFetcher(), Config{SweepInterval: 20 * time.Millisecond})

	var alive atomic.Bool
	alive.Store(true)
	_, err := c.AcquireFor(ctx, "a.bundle", 1, ConsumerFunc(alive.Load))
	require.NoError(t, err)

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx), "starting twice is a no-op")

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, c.Len(), "live consumers keep the bundle")

	alive.Store(false)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	c.Stop()
}

func TestHandle(t *testing.T) {
	var destroyed int
	h := NewHandle(func() { destroyed++ })
	require.True(t, h.Alive())

	renewed := h.Renew(nil)
	require.False(t, h.Alive())
	require.True(t, renewed.Alive())

	// Destroying the stale handle runs its callback but leaves the renewal alive
	h.Destroy()
	h.Destroy()
	require.Equal(t, 1, destroyed)
	require.True(t, renewed.Alive())

	renewed.Destroy()
	require.False(t, renewed.Alive())
}

func TestWeakConsumerAlive(t *testing.T) {
	owner := &struct{ name string }{name: "panel"}
	consumer := Weak(owner)
	require.True(t, consumer.Alive())
	runtime.KeepAlive(owner)
}
