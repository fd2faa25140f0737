package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wolfeidau/bundle-cache/backend"
)

// Storage keys used by Store.
const (
	Key         = "manifest.yaml"
	ControlKey  = "bundleControlFile.txt"
	ContentsKey = "bundleContents.txt"
)

// Store persists a manifest in a backend.
type Store struct {
	backend backend.Backend
}

// NewStore creates a manifest store over b.
func NewStore(b backend.Backend) *Store {
	return &Store{backend: b}
}

// Load reads the manifest. A missing manifest is returned as an empty one.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	raw, err := s.Raw(ctx)
	if errors.Is(err, backend.ErrNotFound) {
		return New(), nil
	}
	if err != nil {
		return nil, err
	}
	return Decode(bytes.NewReader(raw))
}

// Raw returns the encoded manifest bytes.
// Returns backend.ErrNotFound if no manifest has been saved.
func (s *Store) Raw(ctx context.Context) ([]byte, error) {
	rc, err := s.backend.Read(ctx, Key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return raw, nil
}

// Save writes the manifest.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return err
	}
	if err := s.backend.Write(ctx, Key, &buf); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// SaveLegacy writes the legacy control and contents files next to the manifest.
func (s *Store) SaveLegacy(ctx context.Context, m *Manifest) error {
	var control, contents bytes.Buffer
	if err := WriteControl(&control, m); err != nil {
		return err
	}
	if err := WriteContents(&contents, m); err != nil {
		return err
	}
	if err := s.backend.Write(ctx, ControlKey, &control); err != nil {
		return fmt.Errorf("writing control file: %w", err)
	}
	if err := s.backend.Write(ctx, ContentsKey, &contents); err != nil {
		return fmt.Errorf("writing contents file: %w", err)
	}
	return nil
}

// LoadLegacy reads the legacy control and contents files. A missing contents
// file is treated as empty; a missing control file is an error.
func (s *Store) LoadLegacy(ctx context.Context) (*Manifest, error) {
	control, err := s.backend.Read(ctx, ControlKey)
	if err != nil {
		return nil, fmt.Errorf("opening control file: %w", err)
	}
	defer func() { _ = control.Close() }()

	var contents io.Reader = bytes.NewReader(nil)
	rc, err := s.backend.Read(ctx, ContentsKey)
	switch {
	case err == nil:
		defer func() { _ = rc.Close() }()
		contents = rc
	case !errors.Is(err, backend.ErrNotFound):
		return nil, fmt.Errorf("opening contents file: %w", err)
	}

	m := New()
	if err := m.LoadLegacy(control, contents); err != nil {
		return nil, err
	}
	return m, nil
}
