// Command bundle-cache builds, hosts and downloads content bundles.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json"`
}

type CLI struct {
	Globals

	Build   BuildCmd   `cmd:"" help:"Pack each sub-folder of a source folder into a bundle."`
	Ls      LsCmd      `cmd:"" help:"List bundles in a build output directory or on a bundle host."`
	Serve   ServeCmd   `cmd:"" help:"Serve built bundles and their manifest over HTTP."`
	Get     GetCmd     `cmd:"" help:"Fetch a bundle and extract its assets."`
	Migrate MigrateCmd `cmd:"" help:"Convert between the legacy control files and manifest.yaml."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	// A missing .env file is fine
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("bundle-cache"),
		kong.Description("Build, host and fetch versioned content bundles."),
		kong.UsageOnError(),
		kong.DefaultEnvars("BUNDLE_CACHE"),
		kong.Vars{"version": version},
	)

	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger creates the process logger writing to w.
func (g *Globals) newLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(g.LogLevel))); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", g.LogLevel)
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    !isTerminal(w),
		})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", g.LogFormat)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// isTerminal reports whether w is a character device such as a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
