package main

import (
	"context"
	"fmt"
	"os"

	"github.com/wolfeidau/bundle-cache/backend"
	"github.com/wolfeidau/bundle-cache/manifest"
)

type MigrateCmd struct {
	Dir      string `help:"Build output directory." default:"./dist" type:"path"`
	ToLegacy bool   `help:"Write the legacy files from manifest.yaml instead."`
}

func (c *MigrateCmd) Run(g *Globals) error {
	logger, err := g.newLogger(os.Stderr)
	if err != nil {
		return err
	}
	ctx := context.Background()

	fs, err := backend.NewFilesystem(c.Dir)
	if err != nil {
		return err
	}
	ms := manifest.NewStore(fs)

	if c.ToLegacy {
		m, err := ms.Load(ctx)
		if err != nil {
			return err
		}
		if err := ms.SaveLegacy(ctx, m); err != nil {
			return err
		}
		logger.Info("wrote legacy files", "bundles", m.Len(), "control", manifest.ControlKey, "contents", manifest.ContentsKey)
		return nil
	}

	m, err := ms.LoadLegacy(ctx)
	if err != nil {
		return fmt.Errorf("reading legacy files: %w", err)
	}
	if err := ms.Save(ctx, m); err != nil {
		return err
	}
	logger.Info("wrote manifest", "bundles", m.Len(), "key", manifest.Key)
	return nil
}
