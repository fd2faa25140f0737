// Package backend provides the storage abstraction shared by the bundle
// builder, the HTTP host and the local download store.
package backend

import (
	"context"
	"errors"
	"io"
	"io/fs"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend stores opaque objects under slash-separated keys.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any existing object.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read returns the object at key, or ErrNotFound.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object at key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// WriterBackend is implemented by backends that can hand out a writer.
// The object becomes visible only when Close returns nil.
type WriterBackend interface {
	Backend

	Writer(ctx context.Context, key string) (io.WriteCloser, error)
}

// SizeAwareBackend is implemented by backends that can report object sizes
// without reading them.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the object at key, or ErrNotFound.
	Size(ctx context.Context, key string) (int64, error)
}

// Aborter is implemented by writers returned from WriterBackend that can
// discard a partial write.
type Aborter interface {
	Abort() error
}

// Stater is implemented by readers that can describe the object they have
// open, such as the *os.File returned by Filesystem.Read.
type Stater interface {
	Stat() (fs.FileInfo, error)
}

// OpenSize returns the size of the object rc has open. Unlike
// SizeAwareBackend.Size it cannot see a replacement written after the open.
func OpenSize(rc io.Reader) (int64, bool) {
	st, ok := rc.(Stater)
	if !ok {
		return 0, false
	}
	info, err := st.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}
