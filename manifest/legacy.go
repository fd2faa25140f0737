package manifest

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	bundlecache "github.com/wolfeidau/bundle-cache"
)

// Line prefixes of the legacy control and contents files.
const (
	prefixBundleName     = "BundleName:"
	prefixVersionNumber  = "VersionNumber:"
	prefixNumberOfAssets = "NumberOfAssets:"
)

// lineReader tracks line numbers for error messages.
type lineReader struct {
	s    *bufio.Scanner
	line int
}

func newLineReader(r io.Reader) *lineReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &lineReader{s: s}
}

func (lr *lineReader) next() (string, bool) {
	if !lr.s.Scan() {
		return "", false
	}
	lr.line++
	return strings.TrimSuffix(lr.s.Text(), "\r"), true
}

func (lr *lineReader) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrMalformed, lr.line, fmt.Sprintf(format, args...))
}

// readName parses a BundleName line. ok is false for lines that are not one.
func (lr *lineReader) readName(line string) (string, bool, error) {
	name, ok := strings.CutPrefix(line, prefixBundleName)
	if !ok {
		return "", false, nil
	}
	if err := bundlecache.ValidateName(name); err != nil {
		return "", true, lr.errorf("%v", err)
	}
	return name, true, nil
}

// readInt reads the next line and parses it as prefix followed by an integer.
func (lr *lineReader) readInt(prefix, after string) (int, error) {
	line, ok := lr.next()
	if !ok {
		if err := lr.s.Err(); err != nil {
			return 0, err
		}
		return 0, lr.errorf("missing %s after %s", prefix, after)
	}
	v, ok := strings.CutPrefix(line, prefix)
	if !ok {
		return 0, lr.errorf("expected %s, got %q", prefix, line)
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, lr.errorf("bad %s value %q", prefix, v)
	}
	return n, nil
}

// ReadControl parses a legacy control file into name → version.
// Lines other than bundle records are ignored.
func ReadControl(r io.Reader) (map[string]int, error) {
	versions := make(map[string]int)
	lr := newLineReader(r)
	for {
		line, ok := lr.next()
		if !ok {
			break
		}
		name, isName, err := lr.readName(line)
		if err != nil {
			return nil, err
		}
		if !isName {
			continue
		}
		version, err := lr.readInt(prefixVersionNumber, name)
		if err != nil {
			return nil, err
		}
		if version < 1 {
			return nil, lr.errorf("bundle %s has version %d", name, version)
		}
		if _, dup := versions[name]; dup {
			return nil, lr.errorf("bundle %s listed twice", name)
		}
		versions[name] = version
	}
	if err := lr.s.Err(); err != nil {
		return nil, fmt.Errorf("reading control file: %w", err)
	}
	return versions, nil
}

// ReadContents parses a legacy contents file into name → ordered assets.
func ReadContents(r io.Reader) (map[string][]string, error) {
	contents := make(map[string][]string)
	lr := newLineReader(r)
	for {
		line, ok := lr.next()
		if !ok {
			break
		}
		name, isName, err := lr.readName(line)
		if err != nil {
			return nil, err
		}
		if !isName {
			continue
		}
		count, err := lr.readInt(prefixNumberOfAssets, name)
		if err != nil {
			return nil, err
		}
		if count < 0 {
			return nil, lr.errorf("bundle %s has %d assets", name, count)
		}
		assets := make([]string, 0, count)
		for range count {
			asset, ok := lr.next()
			if !ok {
				return nil, lr.errorf("bundle %s lists %d assets, found %d", name, count, len(assets))
			}
			assets = append(assets, asset)
		}
		if _, dup := contents[name]; dup {
			return nil, lr.errorf("bundle %s listed twice", name)
		}
		contents[name] = assets
	}
	if err := lr.s.Err(); err != nil {
		return nil, fmt.Errorf("reading contents file: %w", err)
	}
	return contents, nil
}

// WriteControl writes the versions of m in the legacy control format.
func WriteControl(w io.Writer, m *Manifest) error {
	bw := bufio.NewWriter(w)
	for _, e := range m.Entries() {
		fmt.Fprintf(bw, "%s%s\n%s%d\n\n", prefixBundleName, e.Name, prefixVersionNumber, e.Version)
	}
	return bw.Flush()
}

// WriteContents writes the asset lists of m in the legacy contents format.
func WriteContents(w io.Writer, m *Manifest) error {
	bw := bufio.NewWriter(w)
	for _, e := range m.Entries() {
		fmt.Fprintf(bw, "%s%s\n%s%d\n", prefixBundleName, e.Name, prefixNumberOfAssets, len(e.Assets))
		for _, asset := range e.Assets {
			if strings.ContainsAny(asset, "\r\n") {
				return fmt.Errorf("asset %q in %s cannot be written as a single line", asset, e.Name)
			}
			fmt.Fprintln(bw, asset)
		}
	}
	return bw.Flush()
}

// LoadLegacy replaces the contents of m with the legacy control and contents
// files. On error m keeps its previous contents.
func (m *Manifest) LoadLegacy(control, contents io.Reader) error {
	versions, err := ReadControl(control)
	if err != nil {
		return fmt.Errorf("control file: %w", err)
	}
	assets, err := ReadContents(contents)
	if err != nil {
		return fmt.Errorf("contents file: %w", err)
	}

	parsed := New()
	for name, version := range versions {
		e := &Entry{Name: name, Version: version}
		if a := assets[name]; len(a) > 0 {
			e.Assets = a
		}
		parsed.entries[name] = e
	}
	for name := range assets {
		if _, ok := versions[name]; !ok {
			return fmt.Errorf("%w: bundle %s has contents but no version", ErrMalformed, name)
		}
	}

	m.swap(parsed)
	return nil
}
