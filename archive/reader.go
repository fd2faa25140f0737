package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/backend"
)

// ReadHeader reads only the framed header of an archive.
func ReadHeader(r io.Reader) (*backend.BundleHeader, error) {
	header, _, err := backend.ReadFramed(r)
	if err != nil {
		return nil, err
	}
	return header, nil
}

// DefaultMaxSize bounds the decoded assets of one archive unless
// WithMaxSize says otherwise.
const DefaultMaxSize = 1 << 30

// ErrTooLarge is returned when an archive body or its decoded assets exceed
// the configured size limit.
var ErrTooLarge = errors.New("bundle archive too large")

type readOptions struct {
	maxSize int64
}

// ReadOption configures Read.
type ReadOption func(*readOptions)

// WithMaxSize limits the total decoded size of the assets, and the size of
// the stored body, to n bytes.
func WithMaxSize(n int64) ReadOption {
	return func(o *readOptions) {
		if n > 0 {
			o.maxSize = n
		}
	}
}

// Read reads a framed archive, verifies its digest and loads every asset
// into memory.
func Read(r io.Reader, opts ...ReadOption) (*Archive, error) {
	o := readOptions{maxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(&o)
	}

	header, body, err := backend.ReadFramed(r)
	if err != nil {
		return nil, err
	}
	if err := bundlecache.ValidateName(header.Name); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	if !ValidCompression(header.Compression) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCompression, header.Compression)
	}
	if header.ContentLength < 0 {
		return nil, fmt.Errorf("%w: negative content length", ErrCorrupted)
	}
	if header.ContentLength > o.maxSize {
		return nil, fmt.Errorf("%w: body is %d bytes, limit is %d", ErrTooLarge, header.ContentLength, o.maxSize)
	}

	raw, err := io.ReadAll(io.LimitReader(body, header.ContentLength+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(raw)) != header.ContentLength {
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrCorrupted, len(raw), header.ContentLength)
	}

	want, err := bundlecache.ParseHash(header.Digest)
	if err != nil {
		return nil, fmt.Errorf("%w: bad digest: %w", ErrCorrupted, err)
	}
	if got := bundlecache.HashBytes(raw); got != want {
		return nil, fmt.Errorf("%w: digest %s, header says %s", ErrCorrupted, got.ShortString(), want.ShortString())
	}

	data, err := decodeBody(raw, header.Compression, o.maxSize)
	if err != nil {
		return nil, err
	}
	for _, asset := range header.Assets {
		if _, ok := data[asset]; !ok {
			return nil, fmt.Errorf("%w: asset %s missing from body", ErrCorrupted, asset)
		}
	}

	return &Archive{
		header: header,
		ref:    bundlecache.NewRef(header.Name, header.Version),
		assets: header.Assets,
		data:   data,
	}, nil
}

// minDecoderMemory keeps small limits from rejecting the window size a
// default zstd writer declares.
const minDecoderMemory = 128 << 20

func decodeBody(raw []byte, compression string, limit int64) (map[string][]byte, error) {
	// The tar stream carries headers and padding on top of the asset bytes.
	streamLimit := limit + limit/64 + 1<<20

	var src io.Reader = bytes.NewReader(raw)
	if compression == CompressionZstd {
		dec, err := zstd.NewReader(src,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(max(uint64(streamLimit), minDecoderMemory)),
		)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		src = dec
	}

	data := make(map[string][]byte)
	remaining := limit
	tr := tar.NewReader(&boundedReader{r: src, n: streamLimit})
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, bodyError("reading tar", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size > remaining {
			return nil, fmt.Errorf("%w: assets exceed %d bytes at %s", ErrTooLarge, limit, hdr.Name)
		}
		b, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
		if err != nil {
			return nil, bodyError("reading "+hdr.Name, err)
		}
		remaining -= int64(len(b))
		data[hdr.Name] = b
	}
	return data, nil
}

func bodyError(op string, err error) error {
	if errors.Is(err, ErrTooLarge) || errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTooLarge, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrCorrupted, op, err)
}

// boundedReader fails with ErrTooLarge once more than n bytes are read.
type boundedReader struct {
	r io.Reader
	n int64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.n <= 0 {
		var probe [1]byte
		if n, err := b.r.Read(probe[:]); n == 0 && errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, ErrTooLarge
	}
	if int64(len(p)) > b.n {
		p = p[:b.n]
	}
	n, err := b.r.Read(p)
	b.n -= int64(n)
	return n, err
}
