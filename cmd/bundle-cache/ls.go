package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/wolfeidau/bundle-cache/backend"
	"github.com/wolfeidau/bundle-cache/fetch"
	"github.com/wolfeidau/bundle-cache/manifest"
)

type LsCmd struct {
	Dir    string `help:"Build output directory." default:"./dist" type:"path"`
	URL    string `help:"Bundle host base URL."`
	Token  string `help:"Bearer token for the bundle host."`
	Assets bool   `help:"List the assets of each bundle."`
}

func (c *LsCmd) Run(g *Globals) error {
	logger, err := g.newLogger(os.Stderr)
	if err != nil {
		return err
	}
	ctx := context.Background()

	var m *manifest.Manifest
	if c.URL != "" {
		f, err := fetch.NewHTTPFetcher(fetch.HTTPConfig{BaseURL: c.URL, Token: c.Token, Logger: logger})
		if err != nil {
			return err
		}
		if m, err = f.FetchManifest(ctx); err != nil {
			return err
		}
	} else {
		fs, err := backend.NewFilesystem(c.Dir)
		if err != nil {
			return err
		}
		if m, err = manifest.NewStore(fs).Load(ctx); err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tASSETS\tSIZE")
	for _, e := range m.Entries() {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", e.Name, e.Version, len(e.Assets), formatKB(e.Size))
		if c.Assets {
			for _, asset := range e.Assets {
				fmt.Fprintf(tw, "  %s\t\t\t\n", asset)
			}
		}
	}
	return tw.Flush()
}
