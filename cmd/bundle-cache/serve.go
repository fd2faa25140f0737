package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wolfeidau/bundle-cache/server"
	"github.com/wolfeidau/bundle-cache/telemetry"
)

type ServeCmd struct {
	Address   string `help:"Address to listen on." default:":8080"`
	Dir       string `help:"Build output directory to serve." default:"./dist" type:"path"`
	AuthToken string `help:"Require this bearer token on bundle and manifest routes."`

	LogFile       string `help:"Also write logs to this file, rotated by size."`
	LogMaxSize    int    `help:"Maximum log file size in megabytes before rotation." default:"100"`
	LogMaxBackups int    `help:"Rotated log files to keep." default:"5"`

	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)." name:"otlp-endpoint"`
}

func (c *ServeCmd) Run(g *Globals) error {
	var out io.Writer = os.Stdout
	if c.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(c.LogFile), 0o755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    c.LogMaxSize,
			MaxBackups: c.LogMaxBackups,
			Compress:   true,
			LocalTime:  true,
		}
		defer func() { _ = rotator.Close() }()
		out = io.MultiWriter(os.Stdout, rotator)
	}

	logger, err := g.newLogger(out)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "bundle-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("shutting down metrics", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:     c.Address,
		StoragePath: c.Dir,
		AuthToken:   c.AuthToken,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"manifest_url", fmt.Sprintf("http://localhost%s/manifest", srv.Address()),
		"auth", c.AuthToken != "",
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
