// Package manifest holds the control metadata for a set of built bundles:
// the current version, the ordered asset list and the file size of each one.
package manifest

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	bundlecache "github.com/wolfeidau/bundle-cache"
)

// ErrMalformed is returned when a manifest cannot be parsed.
var ErrMalformed = errors.New("malformed manifest")

// Entry describes one bundle in the manifest.
type Entry struct {
	Name    string   `yaml:"name"`
	Version int      `yaml:"version"`
	Size    int64    `yaml:"size,omitempty"`
	Assets  []string `yaml:"assets,omitempty"`
}

// Manifest maps bundle names to their control metadata.
// It is safe for concurrent use.
type Manifest struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New returns an empty manifest.
func New() *Manifest {
	return &Manifest{entries: make(map[string]*Entry)}
}

func (m *Manifest) entry(name string) *Entry {
	e, ok := m.entries[name]
	if !ok {
		e = &Entry{Name: name}
		m.entries[name] = e
	}
	return e
}

// Version returns the current version of name, or 0 if it is unknown.
func (m *Manifest) Version(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[name]; ok {
		return e.Version
	}
	return 0
}

func (m *Manifest) SetVersion(name string, version int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(name).Version = version
}

// Bump sets the version of name to 1 if it is unknown, otherwise adds one.
// It returns the new version.
func (m *Manifest) Bump(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(name)
	e.Version++
	return e.Version
}

// Assets returns a copy of the asset list of name.
func (m *Manifest) Assets(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[name]; ok {
		return slices.Clone(e.Assets)
	}
	return nil
}

func (m *Manifest) SetAssets(name string, assets []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(name).Assets = slices.Clone(assets)
}

// Size returns the recorded bundle file size of name in bytes.
func (m *Manifest) Size(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[name]; ok {
		return e.Size
	}
	return 0
}

func (m *Manifest) SetSize(name string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(name).Size = size
}

// Get returns a copy of the entry for name.
func (m *Manifest) Get(name string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(e), true
}

func (m *Manifest) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
}

// Names returns the bundle names in sorted order.
func (m *Manifest) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Entries returns copies of all entries sorted by name.
func (m *Manifest) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func copyEntry(e *Entry) Entry {
	c := *e
	c.Assets = slices.Clone(e.Assets)
	return c
}

type document struct {
	Bundles []Entry `yaml:"bundles"`
}

// Encode writes the manifest as YAML, sorted by bundle name.
func (m *Manifest) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(document{Bundles: m.Entries()}); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return enc.Close()
}

// Decode parses a YAML manifest.
func Decode(r io.Reader) (*Manifest, error) {
	var doc document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return New(), nil
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	m := New()
	for i, e := range doc.Bundles {
		if err := bundlecache.ValidateName(e.Name); err != nil {
			return nil, fmt.Errorf("%w: bundle %d: %w", ErrMalformed, i, err)
		}
		if e.Version < 1 {
			return nil, fmt.Errorf("%w: bundle %s has version %d", ErrMalformed, e.Name, e.Version)
		}
		if e.Size < 0 {
			return nil, fmt.Errorf("%w: bundle %s has negative size", ErrMalformed, e.Name)
		}
		if _, dup := m.entries[e.Name]; dup {
			return nil, fmt.Errorf("%w: bundle %s listed twice", ErrMalformed, e.Name)
		}
		entry := e
		m.entries[e.Name] = &entry
	}
	return m, nil
}

// Load replaces the contents of m with the manifest read from r.
// On error m keeps its previous contents.
func (m *Manifest) Load(r io.Reader) error {
	parsed, err := Decode(r)
	if err != nil {
		return err
	}
	m.swap(parsed)
	return nil
}

func (m *Manifest) swap(other *Manifest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = other.entries
}
