package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// tmpPrefix marks in-progress writes. List skips them.
const tmpPrefix = ".tmp-"

// ErrInvalidKey is returned for keys that would resolve outside the root.
var ErrInvalidKey = errors.New("invalid key")

// Filesystem implements Backend on a local directory.
// Writes go to a temp file in the target directory and are renamed into
// place, so readers never observe a partial bundle.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem backend rooted at root, creating the
// directory if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the absolute root directory.
func (f *Filesystem) Root() string {
	return f.root
}

// Write stores data at key atomically.
func (f *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	w, err := f.Writer(ctx, key)
	if err != nil {
		return err
	}
	aw := w.(*atomicWriter)

	if _, err := io.Copy(aw, r); err != nil {
		_ = aw.Abort()
		return fmt.Errorf("writing data: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = aw.Abort()
		return err
	}
	return aw.Close()
}

// Read opens the object at key.
func (f *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := f.keyToPath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

// Delete removes the object at key.
func (f *Filesystem) Delete(ctx context.Context, key string) error {
	path, err := f.keyToPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists reports whether a regular object exists at key.
func (f *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	path, err := f.keyToPath(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// List returns all keys under prefix, in lexical order.
func (f *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir, err := f.keyToPath(prefix)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// Size returns the size of the object at key.
func (f *Filesystem) Size(ctx context.Context, key string) (int64, error) {
	path, err := f.keyToPath(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// Writer returns a writer whose content is renamed into place on Close.
// Call Abort (see Aborter) to discard it instead.
func (f *Filesystem) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	path, err := f.keyToPath(key)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	return &atomicWriter{
		f:       tmp,
		tmpPath: tmp.Name(),
		dstPath: path,
	}, nil
}

// keyToPath maps a slash-separated key to a path under the root.
func (f *Filesystem) keyToPath(key string) (string, error) {
	path := filepath.Join(f.root, filepath.FromSlash(key))
	if path != f.root && !strings.HasPrefix(path, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return path, nil
}

type atomicWriter struct {
	f       *os.File
	tmpPath string
	dstPath string
	closed  bool
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close syncs the temp file and renames it over the destination.
func (w *atomicWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.dstPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Abort discards the write.
func (w *atomicWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.f.Close()
	return os.Remove(w.tmpPath)
}

// Compile-time interface checks
var (
	_ Backend          = (*Filesystem)(nil)
	_ WriterBackend    = (*Filesystem)(nil)
	_ SizeAwareBackend = (*Filesystem)(nil)
	_ Aborter          = (*atomicWriter)(nil)
)
