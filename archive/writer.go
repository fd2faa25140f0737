package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/klauspost/compress/zstd"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/backend"
)

// Writer builds bundle archives.
type Writer struct {
	compression   string
	deterministic bool
	now           func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithCompression sets the body compression (CompressionZstd or CompressionNone).
func WithCompression(c string) Option {
	return func(w *Writer) {
		w.compression = c
	}
}

// WithDeterministic makes identical inputs produce byte-identical archives:
// tar entries get a fixed mod time and the header omits built_at.
func WithDeterministic(enabled bool) Option {
	return func(w *Writer) {
		w.deterministic = enabled
	}
}

// WithNow sets the clock used for built_at.
func WithNow(now func() time.Time) Option {
	return func(w *Writer) {
		w.now = now
	}
}

// NewWriter creates a Writer. Compression defaults to zstd.
func NewWriter(opts ...Option) (*Writer, error) {
	w := &Writer{
		compression: CompressionZstd,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if !ValidCompression(w.compression) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCompression, w.compression)
	}
	return w, nil
}

// Compression returns the configured compression mode.
func (w *Writer) Compression() string {
	return w.compression
}

// Write packs the named assets from fsys into a framed archive for ref and
// writes it to dst. Assets are stored in the given order.
func (w *Writer) Write(ctx context.Context, dst io.Writer, ref bundlecache.Ref, fsys fs.FS, assets []string) (*backend.BundleHeader, error) {
	if err := bundlecache.ValidateName(ref.Name); err != nil {
		return nil, err
	}

	body, err := w.encodeBody(ctx, fsys, assets)
	if err != nil {
		return nil, err
	}

	header := &backend.BundleHeader{
		Name:          ref.Name,
		Version:       ref.Version,
		Digest:        bundlecache.HashBytes(body.Bytes()).String(),
		Compression:   w.compression,
		Assets:        assets,
		ContentLength: int64(body.Len()),
	}
	if !w.deterministic {
		header.BuiltAt = w.now().UTC().Format(time.RFC3339)
	}

	if err := backend.WriteFramed(dst, header, body); err != nil {
		return nil, err
	}
	return header, nil
}

func (w *Writer) encodeBody(ctx context.Context, fsys fs.FS, assets []string) (*bytes.Buffer, error) {
	body := new(bytes.Buffer)

	var (
		enc *zstd.Encoder
		tw  *tar.Writer
	)
	if w.compression == CompressionZstd {
		var err error
		enc, err = zstd.NewWriter(body, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		tw = tar.NewWriter(enc)
	} else {
		tw = tar.NewWriter(body)
	}

	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			if enc != nil {
				enc.Close()
			}
			return nil, err
		}
		if err := w.addAsset(tw, fsys, asset); err != nil {
			if enc != nil {
				enc.Close()
			}
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("close zstd encoder: %w", err)
		}
	}
	return body, nil
}

func (w *Writer) addAsset(tw *tar.Writer, fsys fs.FS, asset string) error {
	f, err := fsys.Open(asset)
	if err != nil {
		return fmt.Errorf("open asset %s: %w", asset, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat asset %s: %w", asset, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("asset %s is not a regular file", asset)
	}

	modTime := info.ModTime()
	if w.deterministic {
		modTime = time.Unix(0, 0)
	}

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     asset,
		Mode:     0o644,
		Size:     info.Size(),
		ModTime:  modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header for %s: %w", asset, err)
	}
	n, err := io.CopyN(tw, f, info.Size())
	if err != nil {
		return fmt.Errorf("write asset %s: %w", asset, err)
	}
	if n != info.Size() {
		return fmt.Errorf("asset %s changed size during build", asset)
	}
	return nil
}
