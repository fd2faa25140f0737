package cache

import (
	"sync"
	"sync/atomic"
	"weak"
)

// Consumer is anything that uses a loaded bundle. The cache never owns
// consumers; it only asks whether they are still alive.
// Alive is called with the cache lock held and must not call back into the Cache.
type Consumer interface {
	Alive() bool
}

// Destroyer is implemented by consumers that ReleaseAll and Purge should
// tear down along with the bundle.
type Destroyer interface {
	Destroy()
}

// ConsumerFunc adapts a liveness check to the Consumer interface.
type ConsumerFunc func() bool

// Alive calls f().
func (f ConsumerFunc) Alive() bool {
	return f()
}

// Handle is a generation-checked consumer. A handle is alive while its
// generation is current; Destroy or Renew retire it.
type Handle struct {
	gen       *atomic.Uint64
	issued    uint64
	once      sync.Once
	onDestroy func()
}

// NewHandle returns a live handle. onDestroy, if not nil, runs once when the
// handle is destroyed.
func NewHandle(onDestroy func()) *Handle {
	return &Handle{gen: new(atomic.Uint64), onDestroy: onDestroy}
}

// Alive reports whether the handle has not been destroyed or renewed.
func (h *Handle) Alive() bool {
	return h.gen.Load() == h.issued
}

// Destroy retires the handle. Destroying a handle that was already renewed
// leaves the newer handle alive.
func (h *Handle) Destroy() {
	h.once.Do(func() {
		h.gen.CompareAndSwap(h.issued, h.issued+1)
		if h.onDestroy != nil {
			h.onDestroy()
		}
	})
}

// Renew retires h and returns a fresh handle for the same owner. Handles
// that were registered with the old generation stop being alive.
func (h *Handle) Renew(onDestroy func()) *Handle {
	next := h.gen.Add(1)
	return &Handle{gen: h.gen, issued: next, onDestroy: onDestroy}
}

type weakConsumer[T any] struct {
	p weak.Pointer[T]
}

func (w weakConsumer[T]) Alive() bool {
	return w.p.Value() != nil
}

// Weak returns a consumer that is alive until p is garbage collected.
func Weak[T any](p *T) Consumer {
	return weakConsumer[T]{p: weak.Make(p)}
}
