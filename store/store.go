// Package store keeps downloaded bundle files on local disk, one version per
// bundle name, indexed in metadb for lookups and expiry.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/backend"
	"github.com/wolfeidau/bundle-cache/store/metadb"
)

// ErrVersionMismatch is returned by Get when the stored version of a bundle
// is not the one requested.
var ErrVersionMismatch = errors.New("stored bundle version differs")

// Store holds one version of each bundle.
type Store struct {
	backend backend.Backend
	db      metadb.MetaDB
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a store that writes bundle files to b and indexes them in db.
func New(b backend.Backend, db metadb.MetaDB, opts ...Option) *Store {
	s := &Store{
		backend: b,
		db:      db,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")
	return s
}

// Get opens the stored bundle file for ref. A zero ref.Version matches any
// stored version. The entry's access time is updated.
// Returns backend.ErrNotFound or ErrVersionMismatch on a miss.
// The caller must close the returned ReadCloser.
func (s *Store) Get(ctx context.Context, ref bundlecache.Ref) (io.ReadCloser, *metadb.Entry, error) {
	entry, err := s.db.Get(ctx, ref.Name)
	if errors.Is(err, metadb.ErrNotFound) {
		return nil, nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("looking up %s: %w", ref.Name, err)
	}
	if ref.Version != 0 && entry.Version != ref.Version {
		return nil, entry, fmt.Errorf("%w: have %d, want %d", ErrVersionMismatch, entry.Version, ref.Version)
	}

	key := bundlecache.VersionedStorageKey(bundlecache.NewRef(entry.Name, entry.Version))
	rc, err := s.backend.Read(ctx, key)
	if errors.Is(err, backend.ErrNotFound) {
		// The file is gone; drop the stale index entry.
		s.logger.Warn("indexed bundle missing from disk", "name", entry.Name, "version", entry.Version)
		if derr := s.db.Delete(ctx, entry.Name); derr != nil {
			s.logger.Error("removing stale entry", "name", entry.Name, "error", derr)
		}
		return nil, nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", key, err)
	}

	if err := s.db.Touch(ctx, entry.Name); err != nil {
		s.logger.Debug("touching entry", "name", entry.Name, "error", err)
	}
	return rc, entry, nil
}

// Put stores the bundle file read from r as ref, replacing any previously
// stored version of the same bundle.
func (s *Store) Put(ctx context.Context, ref bundlecache.Ref, r io.Reader) (*metadb.Entry, error) {
	if err := bundlecache.ValidateName(ref.Name); err != nil {
		return nil, err
	}
	if ref.Version < 1 {
		return nil, fmt.Errorf("storing %s: a concrete version is required", ref.Name)
	}

	key := bundlecache.VersionedStorageKey(ref)
	digest, size, err := s.write(ctx, key, r)
	if err != nil {
		return nil, fmt.Errorf("writing %s: %w", key, err)
	}

	previous, err := s.db.Get(ctx, ref.Name)
	if err != nil && !errors.Is(err, metadb.ErrNotFound) {
		return nil, fmt.Errorf("looking up %s: %w", ref.Name, err)
	}

	entry := &metadb.Entry{
		Name:    ref.Name,
		Version: ref.Version,
		Digest:  digest.String(),
		Size:    size,
	}
	if err := s.db.Put(ctx, entry); err != nil {
		return nil, fmt.Errorf("indexing %s: %w", ref, err)
	}

	if previous != nil && previous.Version != ref.Version {
		oldKey := bundlecache.VersionedStorageKey(bundlecache.NewRef(previous.Name, previous.Version))
		if err := s.backend.Delete(ctx, oldKey); err != nil {
			s.logger.Warn("deleting replaced version", "key", oldKey, "error", err)
		}
	}

	s.logger.Debug("stored bundle", "ref", ref.String(), "size", entry.Size, "digest", digest.ShortString())
	return entry, nil
}

// write streams r to key, hashing as it goes. Backends that hand out writers
// get the data directly; a failed copy aborts the partial object.
func (s *Store) write(ctx context.Context, key string, r io.Reader) (bundlecache.Hash, int64, error) {
	wb, ok := s.backend.(backend.WriterBackend)
	if !ok {
		hr := bundlecache.NewHashingReader(r)
		if err := s.backend.Write(ctx, key, hr); err != nil {
			return bundlecache.Hash{}, 0, err
		}
		return hr.Sum(), hr.BytesRead(), nil
	}

	w, err := wb.Writer(ctx, key)
	if err != nil {
		return bundlecache.Hash{}, 0, err
	}
	hw := bundlecache.NewHashingWriter(w)
	if _, err := io.Copy(hw, r); err != nil {
		if a, ok := w.(backend.Aborter); ok {
			_ = a.Abort()
		} else {
			_ = w.Close()
		}
		return bundlecache.Hash{}, 0, err
	}
	if err := w.Close(); err != nil {
		return bundlecache.Hash{}, 0, err
	}
	return hw.Sum(), hw.BytesWritten(), nil
}

// Delete removes the stored version of name. Deleting a missing bundle is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	entry, err := s.db.Get(ctx, name)
	if errors.Is(err, metadb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up %s: %w", name, err)
	}

	key := bundlecache.VersionedStorageKey(bundlecache.NewRef(entry.Name, entry.Version))
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return s.db.Delete(ctx, name)
}

// List returns the stored bundles ordered by name.
func (s *Store) List(ctx context.Context) ([]metadb.Entry, error) {
	return s.db.List(ctx)
}

// Stats summarises the store contents.
type Stats struct {
	Bundles   int
	TotalSize int64
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	entries, err := s.db.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	total, err := s.db.TotalSize(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Bundles: len(entries), TotalSize: total}, nil
}

// Prune removes bundle files that have no matching index entry, such as
// versions left behind by an interrupted Put. It returns the number removed.
func (s *Store) Prune(ctx context.Context) (int, error) {
	keys, err := s.backend.List(ctx, "versions")
	if err != nil {
		return 0, fmt.Errorf("listing stored versions: %w", err)
	}

	var removed int
	for _, key := range keys {
		ref, err := bundlecache.ParseVersionedStorageKey(key)
		if err != nil {
			s.logger.Warn("skipping unrecognised key", "key", key, "error", err)
			continue
		}
		entry, err := s.db.Get(ctx, ref.Name)
		if err != nil && !errors.Is(err, metadb.ErrNotFound) {
			return removed, fmt.Errorf("looking up %s: %w", ref.Name, err)
		}
		if entry != nil && entry.Version == ref.Version {
			continue
		}
		if err := s.backend.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("deleting %s: %w", key, err)
		}
		removed++
		s.logger.Debug("pruned orphaned bundle file", "key", key)
	}
	return removed, nil
}
