// Package archive writes and reads bundle archives.
//
// An archive is a framed file (see backend.WriteFramed) whose body is a tar
// stream of the bundle's assets, optionally zstd-compressed. The header
// carries the BLAKE3 digest of the body so a reader can detect corruption
// before unpacking anything.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/backend"
)

// Compression modes for the archive body.
const (
	CompressionZstd = "zstd"
	CompressionNone = "none"
)

var (
	// ErrCorrupted is returned when the body does not match the header digest or length.
	ErrCorrupted = errors.New("bundle archive corrupted")

	// ErrUnsupportedCompression is returned for an unknown compression mode.
	ErrUnsupportedCompression = errors.New("unsupported compression")
)

// ValidCompression reports whether c names a supported compression mode.
func ValidCompression(c string) bool {
	return c == CompressionZstd || c == CompressionNone
}

// Archive is a bundle loaded into memory. It implements bundlecache.Bundle.
type Archive struct {
	header *backend.BundleHeader
	ref    bundlecache.Ref
	assets []string

	mu       sync.RWMutex
	data     map[string][]byte
	unloaded bool
}

var _ bundlecache.Bundle = (*Archive)(nil)

func (a *Archive) Ref() bundlecache.Ref {
	return a.ref
}

// Assets returns a copy of the asset names in build order.
func (a *Archive) Assets() []string {
	return slices.Clone(a.assets)
}

// Header returns the framed header the archive was read from.
func (a *Archive) Header() backend.BundleHeader {
	h := *a.header
	h.Assets = slices.Clone(a.header.Assets)
	return h
}

// Size returns the total uncompressed size of the assets.
// It returns 0 once the archive has been unloaded.
func (a *Archive) Size() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var n int64
	for _, d := range a.data {
		n += int64(len(d))
	}
	return n
}

func (a *Archive) Open(asset string) (io.ReadCloser, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.unloaded {
		return nil, fmt.Errorf("opening %s in %s: %w", asset, a.ref, bundlecache.ErrUnloaded)
	}
	data, ok := a.data[asset]
	if !ok {
		return nil, fmt.Errorf("opening %s in %s: %w", asset, a.ref, bundlecache.ErrAssetNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Unload drops the asset data. Calling it again has no effect.
func (a *Archive) Unload() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unloaded = true
	a.data = nil
	return nil
}

// Unloaded reports whether Unload has been called.
func (a *Archive) Unloaded() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.unloaded
}
