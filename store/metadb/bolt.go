package metadb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "no_sync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBundlesByName, bucketBundlesByAccess} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

func getEntry(bucket *bbolt.Bucket, name string) (*Entry, error) {
	val := bucket.Get([]byte(name))
	if val == nil {
		return nil, ErrNotFound
	}
	var entry Entry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, fmt.Errorf("unmarshaling entry %s: %w", name, err)
	}
	return &entry, nil
}

func putEntry(bucket *bbolt.Bucket, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}
	if err := bucket.Put([]byte(entry.Name), data); err != nil {
		return fmt.Errorf("putting entry: %w", err)
	}
	return nil
}

// Get retrieves the entry for a bundle name.
func (b *BoltDB) Get(_ context.Context, name string) (*Entry, error) {
	var entry *Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		entry, err = getEntry(tx.Bucket(bucketBundlesByName), name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Put stores an entry, replacing any previous entry for the same name.
// Zero CachedAt and LastAccess are set to the current time.
func (b *BoltDB) Put(_ context.Context, entry *Entry) error {
	now := b.now()
	if entry.CachedAt.IsZero() {
		entry.CachedAt = now
	}
	if entry.LastAccess.IsZero() {
		entry.LastAccess = now
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketBundlesByName)
		access := tx.Bucket(bucketBundlesByAccess)

		if old, err := getEntry(names, entry.Name); err == nil {
			if err := access.Delete(makeAccessKey(old.LastAccess, old.Name)); err != nil {
				return fmt.Errorf("removing access index: %w", err)
			}
		}

		if err := putEntry(names, entry); err != nil {
			return err
		}
		return access.Put(makeAccessKey(entry.LastAccess, entry.Name), []byte(entry.Name))
	})
}

// Delete removes the entry for name. Deleting a missing entry is not an error.
func (b *BoltDB) Delete(_ context.Context, name string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketBundlesByName)
		old, err := getEntry(names, name)
		if err != nil {
			return nil
		}
		if err := tx.Bucket(bucketBundlesByAccess).Delete(makeAccessKey(old.LastAccess, name)); err != nil {
			return fmt.Errorf("removing access index: %w", err)
		}
		return names.Delete([]byte(name))
	})
}

// Touch moves name to the most recently used end of the access index.
func (b *BoltDB) Touch(_ context.Context, name string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketBundlesByName)
		access := tx.Bucket(bucketBundlesByAccess)

		entry, err := getEntry(names, name)
		if err != nil {
			return err
		}
		if err := access.Delete(makeAccessKey(entry.LastAccess, name)); err != nil {
			return fmt.Errorf("removing access index: %w", err)
		}
		entry.LastAccess = b.now()
		if err := putEntry(names, entry); err != nil {
			return err
		}
		return access.Put(makeAccessKey(entry.LastAccess, name), []byte(name))
	})
}

// List returns all entries ordered by name.
func (b *BoltDB) List(_ context.Context) ([]Entry, error) {
	var entries []Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBundlesByName).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				b.logger.Warn("skipping invalid entry", "name", string(k), "error", err)
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

// ListByAccess returns entries least recently used first.
func (b *BoltDB) ListByAccess(ctx context.Context, limit int) ([]Entry, error) {
	return b.scanAccess(ctx, nil, limit)
}

// ListAccessedBefore returns entries last accessed before the given time,
// least recently used first.
func (b *BoltDB) ListAccessedBefore(ctx context.Context, before time.Time, limit int) ([]Entry, error) {
	return b.scanAccess(ctx, encodeTimestamp(before), limit)
}

func (b *BoltDB) scanAccess(_ context.Context, beforeTs []byte, limit int) ([]Entry, error) {
	var entries []Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketBundlesByName)
		c := tx.Bucket(bucketBundlesByAccess).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if beforeTs != nil && string(k[:8]) >= string(beforeTs) {
				break
			}
			entry, err := getEntry(names, string(v))
			if err != nil {
				_, name := parseAccessKey(k)
				b.logger.Warn("access index entry without bundle", "name", name)
				continue
			}
			entries = append(entries, *entry)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	return entries, err
}

// TotalSize returns the total size of all stored bundle versions.
func (b *BoltDB) TotalSize(_ context.Context) (int64, error) {
	var total int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBundlesByName).ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // Skip invalid entries
			}
			total += entry.Size
			return nil
		})
	})
	return total, err
}

// Compile-time interface check
var _ MetaDB = (*BoltDB)(nil)
