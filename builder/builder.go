// Package builder packs the sub-folders of a source folder into bundle
// archives and keeps the manifest of built bundles up to date.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/archive"
	"github.com/wolfeidau/bundle-cache/backend"
	"github.com/wolfeidau/bundle-cache/manifest"
	"github.com/wolfeidau/bundle-cache/telemetry"
)

// DefaultExtension is appended to bundle names when Options.Extension is empty.
const DefaultExtension = ".bundle"

// metaSuffix marks editor sidecar files that are never packed.
const metaSuffix = ".meta"

// Options configures a Builder.
type Options struct {
	// SourceDir holds one sub-folder per bundle.
	SourceDir string

	// Lowercase lower-cases the folder part of bundle names.
	Lowercase bool

	// Target is an optional platform prefix; names become "<target>_<folder>".
	Target string

	// Extension is appended to every bundle name. Default ".bundle".
	Extension string

	// Compression is the archive body compression. Default zstd.
	Compression string

	// Deterministic produces byte-identical archives for identical inputs
	// and versions.
	Deterministic bool

	// Legacy also writes the control and contents text files.
	Legacy bool

	Logger *slog.Logger
}

// Builder builds bundles into a backend.
type Builder struct {
	backend   backend.Backend
	manifests *manifest.Store
	writer    *archive.Writer
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a builder writing bundle files to b and the manifest to ms.
func New(b backend.Backend, ms *manifest.Store, opts Options) (*Builder, error) {
	if opts.SourceDir == "" {
		return nil, errors.New("builder: source directory is required")
	}
	if opts.Extension == "" {
		opts.Extension = DefaultExtension
	}
	if opts.Compression == "" {
		opts.Compression = archive.CompressionZstd
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	w, err := archive.NewWriter(
		archive.WithCompression(opts.Compression),
		archive.WithDeterministic(opts.Deterministic),
	)
	if err != nil {
		return nil, err
	}

	return &Builder{
		backend:   b,
		manifests: ms,
		writer:    w,
		opts:      opts,
		logger:    opts.Logger.With("component", "builder"),
		now:       time.Now,
	}, nil
}

// Built describes one bundle written by a build.
type Built struct {
	Name    string
	Version int
	Assets  []string
	Size    int64
}

// Result summarises a build.
type Result struct {
	Built    []Built
	Skipped  []string // folders with no files to pack
	Pruned   []string // manifest entries whose bundle file is gone
	Duration time.Duration
}

// BundleName returns the bundle name for a source folder.
func (b *Builder) BundleName(folder string) string {
	if b.opts.Lowercase {
		folder = strings.ToLower(folder)
	}
	name := folder + b.opts.Extension
	if b.opts.Target != "" {
		name = strings.ToLower(b.opts.Target) + "_" + name
	}
	return name
}

// Build packs every sub-folder of the source directory.
//
// If a bundle fails part way through, the manifest is still saved with the
// bundles written so far, so it never lags behind the files being served.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	start := b.now()

	m, err := b.manifests.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading manifest: %w", err)
	}

	entries, err := os.ReadDir(b.opts.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("reading source directory: %w", err)
	}

	result := &Result{}
	if err := b.buildAll(ctx, m, entries, result); err != nil {
		if len(result.Built) == 0 {
			return nil, err
		}
		b.logger.Error("build failed, saving manifest for bundles already written",
			"written", len(result.Built), "error", err)
		if serr := b.save(ctx, m); serr != nil {
			return nil, errors.Join(err, fmt.Errorf("saving partial manifest: %w", serr))
		}
		return nil, err
	}

	pruned, err := b.prune(ctx, m)
	if err != nil {
		return nil, err
	}
	result.Pruned = pruned

	if err := b.save(ctx, m); err != nil {
		return nil, err
	}

	result.Duration = b.now().Sub(start)
	b.logger.Info("build complete",
		"built", len(result.Built),
		"skipped", len(result.Skipped),
		"pruned", len(result.Pruned),
		"duration", result.Duration,
	)
	return result, nil
}

func (b *Builder) buildAll(ctx context.Context, m *manifest.Manifest, entries []os.DirEntry, result *Result) error {
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		folder := entry.Name()
		assets, err := listAssets(filepath.Join(b.opts.SourceDir, folder))
		if err != nil {
			return err
		}
		if len(assets) == 0 {
			b.logger.Warn("skipping empty folder", "folder", folder)
			result.Skipped = append(result.Skipped, folder)
			continue
		}

		built, err := b.buildOne(ctx, m, folder, assets)
		if err != nil {
			return err
		}
		result.Built = append(result.Built, *built)
	}
	return nil
}

// save writes the manifest, and the legacy files when enabled.
func (b *Builder) save(ctx context.Context, m *manifest.Manifest) error {
	if err := b.manifests.Save(ctx, m); err != nil {
		return err
	}
	if b.opts.Legacy {
		return b.manifests.SaveLegacy(ctx, m)
	}
	return nil
}

func (b *Builder) buildOne(ctx context.Context, m *manifest.Manifest, folder string, assets []string) (*Built, error) {
	name := b.BundleName(folder)
	if err := bundlecache.ValidateName(name); err != nil {
		return nil, fmt.Errorf("folder %s: %w", folder, err)
	}
	ref := bundlecache.NewRef(name, m.Version(name)+1)

	var buf bytes.Buffer
	dir := filepath.Join(b.opts.SourceDir, folder)
	if _, err := b.writer.Write(ctx, &buf, ref, os.DirFS(dir), assets); err != nil {
		return nil, fmt.Errorf("packing %s: %w", ref, err)
	}
	size := int64(buf.Len())

	if err := b.backend.Write(ctx, bundlecache.BundleStorageKey(name), &buf); err != nil {
		return nil, fmt.Errorf("writing %s: %w", ref, err)
	}

	m.Bump(name)
	m.SetAssets(name, assets)
	m.SetSize(name, size)
	telemetry.RecordBundleBuild(ctx, b.writer.Compression(), size)

	b.logger.Debug("built bundle", "ref", ref.String(), "assets", len(assets), "size", size)
	return &Built{Name: name, Version: ref.Version, Assets: assets, Size: size}, nil
}

// prune drops manifest entries whose bundle file no longer exists.
func (b *Builder) prune(ctx context.Context, m *manifest.Manifest) ([]string, error) {
	var pruned []string
	for _, name := range m.Names() {
		exists, err := b.backend.Exists(ctx, bundlecache.BundleStorageKey(name))
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", name, err)
		}
		if !exists {
			m.Remove(name)
			pruned = append(pruned, name)
			b.logger.Info("removed stale manifest entry", "name", name)
		}
	}
	return pruned, nil
}

// listAssets returns the top-level regular files of dir in name order,
// excluding .meta files.
func listAssets(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var assets []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), metaSuffix) {
			continue
		}
		assets = append(assets, e.Name())
	}
	return assets, nil
}
