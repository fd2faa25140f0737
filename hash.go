package bundlecache

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the length of a bundle digest in bytes.
const HashSize = 32

// Hash is a BLAKE3-256 digest. Archive bodies and locally stored bundle
// files are identified by one.
type Hash [HashSize]byte

// HashBytes returns the digest of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// ParseHash decodes the hex form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString is the first 8 bytes in hex, for log lines.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != HashSize {
		return fmt.Errorf("digest must be %d hex characters, got %d", hex.EncodedLen(HashSize), len(text))
	}
	if _, err := hex.Decode(h[:], text); err != nil {
		return fmt.Errorf("decoding digest: %w", err)
	}
	return nil
}

// digest accumulates the bytes that pass through a HashingReader or
// HashingWriter.
type digest struct {
	h *blake3.Hasher
	n int64
}

func newDigest() digest {
	return digest{h: blake3.New()}
}

func (d *digest) add(p []byte) {
	_, _ = d.h.Write(p)
	d.n += int64(len(p))
}

func (d *digest) sum() Hash {
	var out Hash
	d.h.Sum(out[:0])
	return out
}

// HashingReader digests everything read through it.
type HashingReader struct {
	r io.Reader
	d digest
}

func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, d: newDigest()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	hr.d.add(p[:n])
	return n, err
}

// Sum returns the digest of the bytes read so far.
func (hr *HashingReader) Sum() Hash { return hr.d.sum() }

func (hr *HashingReader) BytesRead() int64 { return hr.d.n }

// HashingWriter digests everything successfully written through it.
type HashingWriter struct {
	w io.Writer
	d digest
}

func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, d: newDigest()}
}

func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.d.add(p[:n])
	return n, err
}

// Sum returns the digest of the bytes written so far.
func (hw *HashingWriter) Sum() Hash { return hw.d.sum() }

func (hw *HashingWriter) BytesWritten() int64 { return hw.d.n }
