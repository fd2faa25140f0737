package metadb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadb: not found")

// MetaDB indexes the bundle versions held by the local store.
type MetaDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	Get(ctx context.Context, name string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, name string) error
	// Touch updates the last access time of name.
	Touch(ctx context.Context, name string) error

	// List returns every entry ordered by name.
	List(ctx context.Context) ([]Entry, error)
	// ListByAccess returns entries least recently used first. A limit of 0 means no limit.
	ListByAccess(ctx context.Context, limit int) ([]Entry, error)
	// ListAccessedBefore returns entries whose last access is before the given time, oldest first.
	ListAccessedBefore(ctx context.Context, before time.Time, limit int) ([]Entry, error)
	TotalSize(ctx context.Context) (int64, error)
}

// New creates a new MetaDB backed by bbolt.
func New(opts ...BoltDBOption) MetaDB {
	return NewBoltDB(opts...)
}
