package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/wolfeidau/bundle-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

// Read records the bytes read from the returned reader when it is closed.
func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &countingReadCloser{
		ReadCloser: rc,
		done: func(n int64) {
			telemetry.RecordBackendOp(ctx, ib.name, "read", "success", time.Since(start), n)
		},
	}, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

// Size delegates to the underlying backend if it implements SizeAwareBackend.
func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	sb, ok := ib.backend.(SizeAwareBackend)
	if !ok {
		return 0, fmt.Errorf("backend %s does not report sizes", ib.name)
	}
	start := time.Now()
	size, err := sb.Size(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "size", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

// Writer delegates to the underlying backend if it implements WriterBackend.
// Bytes are recorded when the writer is closed.
func (ib *InstrumentedBackend) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	wb, ok := ib.backend.(WriterBackend)
	if !ok {
		return nil, fmt.Errorf("backend %s does not support Writer", ib.name)
	}
	start := time.Now()
	wc, err := wb.Writer(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "writer", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &countingWriteCloser{
		WriteCloser: wc,
		done: func(n int64, err error) {
			telemetry.RecordBackendOp(ctx, ib.name, "writer", outcomeFromError(err), time.Since(start), n)
		},
	}, nil
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

type countingReadCloser struct {
	io.ReadCloser
	n      int64
	done   func(n int64)
	closed bool
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

// Stat forwards to the wrapped reader when it implements Stater.
func (c *countingReadCloser) Stat() (fs.FileInfo, error) {
	if st, ok := c.ReadCloser.(Stater); ok {
		return st.Stat()
	}
	return nil, errors.ErrUnsupported
}

func (c *countingReadCloser) Close() error {
	if !c.closed {
		c.closed = true
		c.done(c.n)
	}
	return c.ReadCloser.Close()
}

type countingWriteCloser struct {
	io.WriteCloser
	n      int64
	done   func(n int64, err error)
	closed bool
}

func (c *countingWriteCloser) Write(p []byte) (int, error) {
	n, err := c.WriteCloser.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriteCloser) Close() error {
	err := c.WriteCloser.Close()
	if !c.closed {
		c.closed = true
		c.done(c.n, err)
	}
	return err
}

// Abort discards the write when the underlying writer supports it.
func (c *countingWriteCloser) Abort() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if a, ok := c.WriteCloser.(Aborter); ok {
		err := a.Abort()
		c.done(c.n, errors.New("aborted"))
		return err
	}
	return c.WriteCloser.Close()
}

// Compile-time interface checks
var (
	_ Backend          = (*InstrumentedBackend)(nil)
	_ SizeAwareBackend = (*InstrumentedBackend)(nil)
	_ WriterBackend    = (*InstrumentedBackend)(nil)
	_ Aborter          = (*countingWriteCloser)(nil)
)
