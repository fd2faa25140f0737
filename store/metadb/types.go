// Package metadb indexes locally stored bundle versions using bbolt.
package metadb

import "time"

// Entry describes the locally stored version of a bundle.
type Entry struct {
	Name       string    `json:"name"`
	Version    int       `json:"version"`
	Digest     string    `json:"digest"`
	Size       int64     `json:"size"`
	CachedAt   time.Time `json:"cached_at"`
	LastAccess time.Time `json:"last_access"`
}
