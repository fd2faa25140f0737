// Package bundlecache builds, hosts, fetches and reference-counts content
// bundles: named, versioned archives of asset files.
package bundlecache

import (
	"errors"
	"io"
)

var (
	// ErrAssetNotFound is returned when a bundle does not contain the requested asset.
	ErrAssetNotFound = errors.New("asset not found in bundle")

	// ErrUnloaded is returned when a bundle is used after Unload.
	ErrUnloaded = errors.New("bundle unloaded")
)

// Bundle is a loaded bundle: the content handle a fetch produces and a
// cache record owns.
type Bundle interface {
	// Ref returns the name and version of the loaded bundle.
	Ref() Ref

	// Assets returns the asset names in build order.
	Assets() []string

	// Open returns a reader for the named asset.
	// Returns ErrAssetNotFound or ErrUnloaded.
	Open(asset string) (io.ReadCloser, error)

	// Unload releases the loaded content. It is safe to call more than once.
	Unload() error
}
