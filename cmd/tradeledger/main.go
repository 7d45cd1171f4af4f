// Command tradeledger is the entry point for the trade ledger importer. It
// loads configuration, validates it, sets up signal handling, and starts the
// application in the configured mode.
//
// Passing -file or -instrument/-from/-to switches to reprocess mode and runs
// a single manual reprocess:
//
//	tradeledger -config config.toml -instrument ESZ4 -from 2024-03-01 -to 2024-03-08
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/app"
	"github.com/alanyoungcy/tradeledger/internal/config"
	"github.com/alanyoungcy/tradeledger/internal/domain"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	mode := flag.String("mode", "", "override the configured mode (watch, server, full, reprocess)")
	file := flag.String("file", "", "reprocess: file name inside import.dir")
	instrument := flag.String("instrument", "", "reprocess: instrument symbol")
	from := flag.String("from", "", "reprocess: range start (YYYY-MM-DD or RFC3339)")
	to := flag.String("to", "", "reprocess: range end, inclusive (YYYY-MM-DD or RFC3339)")
	flag.Parse()

	// Setup structured JSON logger. Logs go to stderr so reprocess output on
	// stdout stays machine readable.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Set log level from config.
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	sel, err := selector(*file, *instrument, *from, *to)
	if err != nil {
		logger.Error("invalid reprocess flags", slog.String("error", err.Error()))
		os.Exit(2)
	}
	if *mode != "" {
		cfg.Mode = *mode
	} else if sel.Path != "" || sel.Instrument != "" || !sel.Range.IsZero() {
		cfg.Mode = "reprocess"
	}

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("trade ledger starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	// Create the application.
	application := app.New(cfg, logger)
	application.SetReprocessSelector(sel)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run the application.
	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("trade ledger stopped")
}

// selector builds a reprocess selector from the command line flags. A bare
// date used as the upper bound covers the whole day.
func selector(file, instrument, from, to string) (domain.ReprocessSelector, error) {
	sel := domain.ReprocessSelector{
		Path:       strings.TrimSpace(file),
		Instrument: strings.ToUpper(strings.TrimSpace(instrument)),
	}
	var err error
	if sel.Range.From, err = parseBound(from, false); err != nil {
		return sel, fmt.Errorf("-from: %w", err)
	}
	if sel.Range.To, err = parseBound(to, true); err != nil {
		return sel, fmt.Errorf("-to: %w", err)
	}
	return sel, nil
}

func parseBound(v string, upper bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("want YYYY-MM-DD or RFC3339, got %q", v)
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
