// Package fetch retrieves bundles by name and version from a directory
// backend or an HTTP host.
package fetch

import (
	"context"
	"errors"
	"fmt"

	bundlecache "github.com/wolfeidau/bundle-cache"
)

var (
	// ErrNotFound is returned when the source has no bundle with the requested name.
	ErrNotFound = errors.New("bundle not found")

	// ErrVersionMismatch is returned when a specific version was requested
	// and the source holds a different one.
	ErrVersionMismatch = errors.New("bundle version mismatch")
)

// Fetcher loads a bundle. A zero ref.Version accepts any version.
type Fetcher interface {
	Fetch(ctx context.Context, ref bundlecache.Ref) (bundlecache.Bundle, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, ref bundlecache.Ref) (bundlecache.Bundle, error)

// Fetch calls f(ctx, ref).
func (f FetcherFunc) Fetch(ctx context.Context, ref bundlecache.Ref) (bundlecache.Bundle, error) {
	return f(ctx, ref)
}

// FetchError records a failed fetch and the step that failed.
type FetchError struct {
	Ref bundlecache.Ref
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Ref, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func fetchError(ref bundlecache.Ref, op string, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchError{Ref: ref, Op: op, Err: err}
}

// checkRef verifies a loaded bundle against the requested ref, unloading it
// on mismatch.
func checkRef(ref bundlecache.Ref, b bundlecache.Bundle) error {
	got := b.Ref()
	if got.Name != ref.Name {
		_ = b.Unload()
		return fetchError(ref, "verify", fmt.Errorf("archive is for %s", got.Name))
	}
	if ref.Version != 0 && got.Version != ref.Version {
		_ = b.Unload()
		return fetchError(ref, "verify", fmt.Errorf("%w: source has version %d", ErrVersionMismatch, got.Version))
	}
	return nil
}
