package bundlecache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidName is returned when a bundle name cannot be used as an identifier.
var ErrInvalidName = errors.New("invalid bundle name")

// Ref names a specific version of a bundle.
// A zero Version means "any version".
type Ref struct {
	Name    string
	Version int
}

// NewRef creates a Ref for the given name and version.
func NewRef(name string, version int) Ref {
	return Ref{Name: name, Version: version}
}

// ParseRef parses a bundle reference in the form "name" or "name@version".
func ParseRef(s string) (Ref, error) {
	name, versionStr, hasVersion := strings.Cut(s, "@")
	if err := ValidateName(name); err != nil {
		return Ref{}, err
	}
	if !hasVersion {
		return Ref{Name: name}, nil
	}

	version, err := strconv.Atoi(versionStr)
	if err != nil || version < 0 {
		return Ref{}, fmt.Errorf("invalid version %q in bundle ref %q", versionStr, s)
	}
	return Ref{Name: name, Version: version}, nil
}

// String returns the canonical form "name@version", or just the name when
// no version is set.
func (r Ref) String() string {
	if r.Version == 0 {
		return r.Name
	}
	return r.Name + "@" + strconv.Itoa(r.Version)
}

// ValidateName checks that name is usable as a bundle identifier and as a
// single path element in storage keys and URLs.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00@"):
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidName, name)
	}
	return nil
}

// Storage key layout.

const (
	bundleKeyPrefix  = "bundles"
	versionKeyPrefix = "versions"
)

// BundleStorageKey returns the backend key of a built bundle.
// Format: bundles/{name}
func BundleStorageKey(name string) string {
	return bundleKeyPrefix + "/" + name
}

// VersionedStorageKey returns the backend key of a locally cached bundle version.
// Format: versions/{name}/{version}
func VersionedStorageKey(r Ref) string {
	return versionKeyPrefix + "/" + r.Name + "/" + strconv.Itoa(r.Version)
}

// ParseVersionedStorageKey extracts a Ref from a key produced by VersionedStorageKey.
func ParseVersionedStorageKey(key string) (Ref, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != versionKeyPrefix {
		return Ref{}, fmt.Errorf("invalid versioned key format: %s", key)
	}
	if err := ValidateName(parts[1]); err != nil {
		return Ref{}, err
	}
	version, err := strconv.Atoi(parts[2])
	if err != nil || version <= 0 {
		return Ref{}, fmt.Errorf("invalid version in key: %s", key)
	}
	return Ref{Name: parts[1], Version: version}, nil
}
