package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// ImportRunner is the orchestrator entry point shared with the watcher.
type ImportRunner interface {
	ImportFile(ctx context.Context, path string) domain.ImportResult
	Reprocess(ctx context.Context, sel domain.ReprocessSelector) (domain.ImportResult, error)
}

// ImportHandler serves manual import and ledger endpoints. File names are
// resolved inside the watched directory so manual runs and the watcher see
// the same paths.
type ImportHandler struct {
	runner ImportRunner
	ledger domain.ImportLedger
	dir    string
	logger *slog.Logger
}

// NewImportHandler creates an ImportHandler rooted at dir.
func NewImportHandler(runner ImportRunner, ledger domain.ImportLedger, dir string, logger *slog.Logger) *ImportHandler {
	return &ImportHandler{runner: runner, ledger: ledger, dir: dir, logger: logHandler(logger, "imports")}
}

type importFileRequest struct {
	File string `json:"file"`
}

type reprocessRequest struct {
	File       string `json:"file,omitempty"`
	Instrument string `json:"instrument,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
}

// ImportFile imports one file from the watched directory, skipping it if
// the ledger already holds a successful record for the same identity.
// POST /api/imports/file
func (h *ImportHandler) ImportFile(w http.ResponseWriter, r *http.Request) {
	var req importFileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	path, err := h.resolve(req.File)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	h.logger.InfoContext(r.Context(), "manual import requested", slog.String("path", path))
	writeJSON(w, http.StatusOK, h.runner.ImportFile(r.Context(), path))
}

// Reprocess forces re-import of one file or of every file holding
// executions of an instrument inside a date range.
// POST /api/imports/reprocess
func (h *ImportHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sel := domain.ReprocessSelector{Instrument: strings.ToUpper(strings.TrimSpace(req.Instrument))}
	if req.File != "" {
		path, err := h.resolve(req.File)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		sel.Path = path
	}
	var err error
	if sel.Range.From, err = optionalBound(req.From, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "from: "+err.Error())
		return
	}
	if sel.Range.To, err = optionalBound(req.To, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "to: "+err.Error())
		return
	}

	res, err := h.runner.Reprocess(r.Context(), sel)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// List returns import records newest first.
// GET /api/imports?limit&offset&since&until
func (h *ImportHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	var err error
	if opts.Since, err = optionalTime(r, "since"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if opts.Until, err = optionalTime(r, "until"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	records, err := h.ledger.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list imports failed", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []domain.ImportRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"imports": records})
}

// optionalBound parses a range bound. A bare date used as an upper bound
// covers the whole day.
func optionalBound(v string, upper bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := parseTime(v)
	if err != nil {
		return time.Time{}, err
	}
	if upper && len(v) == len(time.DateOnly) {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// resolve maps a file name onto a path inside the watched directory.
func (h *ImportHandler) resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("file must not be empty")
	}
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("file %q must be relative to the import directory", name)
	}
	return filepath.Join(h.dir, name), nil
}
