package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wolfeidau/bundle-cache/backend"
	"github.com/wolfeidau/bundle-cache/builder"
	"github.com/wolfeidau/bundle-cache/manifest"
)

type BuildCmd struct {
	Source        string `arg:"" help:"Folder whose sub-folders become bundles." type:"existingdir"`
	Out           string `help:"Build output directory." default:"./dist" type:"path"`
	Lowercase     bool   `help:"Lower-case bundle names."`
	Target        string `help:"Platform prefix added to bundle names."`
	Extension     string `help:"Bundle name extension." default:".bundle"`
	Compression   string `help:"Archive compression." default:"zstd" enum:"zstd,none"`
	Deterministic bool   `help:"Produce identical archives for identical input."`
	Legacy        bool   `help:"Also write the legacy control and contents files."`
}

func (c *BuildCmd) Run(g *Globals) error {
	logger, err := g.newLogger(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs, err := backend.NewFilesystem(c.Out)
	if err != nil {
		return fmt.Errorf("creating output backend: %w", err)
	}

	b, err := builder.New(fs, manifest.NewStore(fs), builder.Options{
		SourceDir:     c.Source,
		Lowercase:     c.Lowercase,
		Target:        c.Target,
		Extension:     c.Extension,
		Compression:   c.Compression,
		Deterministic: c.Deterministic,
		Legacy:        c.Legacy,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	result, err := b.Build(ctx)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	for _, built := range result.Built {
		fmt.Printf("%-40s v%-4d %4d assets %10s\n", built.Name, built.Version, len(built.Assets), formatKB(built.Size))
	}
	for _, folder := range result.Skipped {
		fmt.Printf("skipped empty folder %s\n", folder)
	}
	for _, name := range result.Pruned {
		fmt.Printf("removed %s from manifest\n", name)
	}
	return nil
}

func formatKB(size int64) string {
	return fmt.Sprintf("%.1f KB", float64(size)/1024)
}
