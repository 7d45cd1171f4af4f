// Package watcher polls the import directory and hands stable export files
// to the importer.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// Importer is the part of the import orchestrator the watcher drives.
type Importer interface {
	ImportFile(ctx context.Context, path string) domain.ImportResult
}

// Config controls what is watched and how patient the watcher is.
type Config struct {
	Dir     string
	Pattern string
	// QuietPeriod is how long a file's size and mtime must stay unchanged
	// before it is considered fully written.
	QuietPeriod  time.Duration
	PollInterval time.Duration
}

type observation struct {
	size  int64
	mod   time.Time
	since time.Time
}

// Watcher detects stable files and triggers imports. A file is triggered
// again only when its identity signature changes or the last import asked
// for a retry. Scan and Run must not be called concurrently.
type Watcher struct {
	cfg      Config
	importer Importer
	logger   *slog.Logger
	now      func() time.Time

	observed map[string]observation
	queued   map[string]string
}

// New creates a Watcher.
func New(cfg Config, importer Importer, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pattern == "" {
		cfg.Pattern = "*.csv"
	}
	return &Watcher{
		cfg:      cfg,
		importer: importer,
		logger:   logger.With(slog.String("component", "watcher")),
		now:      time.Now,
		observed: make(map[string]observation),
		queued:   make(map[string]string),
	}
}

// Run scans immediately and then on every poll interval until ctx is done.
// Scan errors are logged and the loop keeps going.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "watcher starting",
		slog.String("dir", w.cfg.Dir),
		slog.String("pattern", w.cfg.Pattern),
		slog.Duration("quiet_period", w.cfg.QuietPeriod),
		slog.Duration("poll_interval", w.cfg.PollInterval),
	)
	if _, err := w.Scan(ctx); err != nil {
		w.logger.ErrorContext(ctx, "scan failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Scan(ctx); err != nil {
				w.logger.ErrorContext(ctx, "scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Scan makes one pass over the directory in file name order and returns how
// many imports it triggered.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("watcher: read dir %s: %w", w.cfg.Dir, err)
	}

	seen := make(map[string]bool, len(entries))
	triggered := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if ok, _ := filepath.Match(w.cfg.Pattern, entry.Name()); !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // removed since ReadDir
		}

		id := domain.FileIdentity{
			Path:    filepath.Join(w.cfg.Dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		}
		seen[id.Path] = true
		if w.queued[id.Path] == id.Signature() {
			continue
		}
		if !w.stable(id) {
			continue
		}

		triggered++
		if w.trigger(ctx, id.Path) {
			w.queued[id.Path] = id.Signature()
		}
	}

	for path := range w.observed {
		if !seen[path] {
			delete(w.observed, path)
			delete(w.queued, path)
		}
	}
	return triggered, nil
}

// stable records the observation and reports whether the file has not
// changed for the quiet period, either according to its mtime or to the
// watcher's own earlier sightings.
func (w *Watcher) stable(id domain.FileIdentity) bool {
	now := w.now()
	obs, ok := w.observed[id.Path]
	if !ok || obs.size != id.Size || !obs.mod.Equal(id.ModTime) {
		w.observed[id.Path] = observation{size: id.Size, mod: id.ModTime, since: now}
		return now.Sub(id.ModTime) >= w.cfg.QuietPeriod
	}
	return now.Sub(obs.since) >= w.cfg.QuietPeriod || now.Sub(id.ModTime) >= w.cfg.QuietPeriod
}

// trigger imports path and reports whether the file is settled for its
// current signature.
func (w *Watcher) trigger(ctx context.Context, path string) bool {
	res := w.importer.ImportFile(ctx, path)
	settled := true
	for _, f := range res.Files {
		attrs := []any{
			slog.String("path", f.Path),
			slog.String("outcome", string(f.Outcome)),
			slog.Int("new_rows", f.RowsNew),
		}
		switch f.Outcome {
		case domain.OutcomeAlreadyProcessed, domain.OutcomeNeedsReprocess:
			w.logger.DebugContext(ctx, "file skipped", attrs...)
		case domain.OutcomeFailed:
			w.logger.ErrorContext(ctx, "import failed", append(attrs, slog.String("error", f.Error))...)
		case domain.OutcomeIncomplete:
			w.logger.InfoContext(ctx, "import deferred", attrs...)
		default:
			w.logger.InfoContext(ctx, "import finished", attrs...)
		}
		if f.Retryable {
			settled = false
		}
	}
	return settled
}
