package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketBundlesByName   = []byte("bundles_by_name")   // name -> Entry JSON
	bucketBundlesByAccess = []byte("bundles_by_access") // timestamp+name -> name (LRU index)
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeAccessKey creates a key for the bundles_by_access index.
// Format: [8-byte timestamp][name]
func makeAccessKey(accessTime time.Time, name string) []byte {
	key := make([]byte, 8+len(name))
	copy(key[:8], encodeTimestamp(accessTime))
	copy(key[8:], name)
	return key
}

// parseAccessKey splits a bundles_by_access key into its parts.
func parseAccessKey(key []byte) (time.Time, string) {
	if len(key) < 8 {
		return time.Time{}, ""
	}
	return decodeTimestamp(key[:8]), string(key[8:])
}
