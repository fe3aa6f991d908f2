// Command pkgpeekd serves the package browser over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pkgpeek/pkgpeek"
	"github.com/pkgpeek/pkgpeek/config"
	"github.com/pkgpeek/pkgpeek/server"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pkgpeekd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.StringP("config", "c", "", "path to the yaml config file")
		listen     = pflag.StringP("listen", "l", "", "listen address (overrides config)")
		indexURL   = pflag.String("index-url", "", "simple index base URL (overrides config)")
		logLevel   = pflag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	)
	pflag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *indexURL != "" {
		cfg.IndexURL = *indexURL
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog := newLogger(cfg.Log)
	defer closeLog()

	browser := pkgpeek.New(
		pkgpeek.WithIndexURL(cfg.IndexURL),
		pkgpeek.WithCacheMaxBytes(cfg.Cache.MaxBytes),
		pkgpeek.WithCacheReadyTTL(cfg.Cache.ReadyTTL.Std()),
		pkgpeek.WithMaxPackageBytes(cfg.Cache.MaxPackageBytes),
		pkgpeek.WithFetchTimeout(cfg.Fetch.Timeout.Std()),
		pkgpeek.WithUserAgent(cfg.Fetch.UserAgent),
		pkgpeek.WithLogger(logger),
	)
	defer browser.Close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.New(browser, server.WithLogger(logger)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Listen, "index", cfg.IndexURL)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newLogger builds the daemon logger from config: JSON lines to a rotated
// file when one is configured, stderr otherwise.
func newLogger(cfg config.LogConfig) (*slog.Logger, func()) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closeLog := func() {}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		out = rotated
		closeLog = func() { rotated.Close() } //nolint:errcheck
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), closeLog
}
