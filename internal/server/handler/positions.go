package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/service"
)

// ChartReader assembles a position chart.
type ChartReader interface {
	PositionChart(ctx context.Context, id string) (service.PositionChart, error)
}

// PositionHandler serves position listings and charts.
type PositionHandler struct {
	positions domain.PositionStore
	charts    ChartReader
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions domain.PositionStore, charts ChartReader, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, charts: charts, logger: logHandler(logger, "positions")}
}

// ListPositions returns positions ordered by entry time.
// GET /api/positions?instrument&account&status&from&to&limit&offset
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := parseListOpts(r)
	filter := domain.PositionFilter{
		Instrument: strings.ToUpper(strings.TrimSpace(q.Get("instrument"))),
		Account:    strings.TrimSpace(q.Get("account")),
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	}
	switch status := domain.PositionStatus(q.Get("status")); status {
	case "", domain.PositionStatusOpen, domain.PositionStatusClosed:
		filter.Status = status
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "status must be open or closed")
		return
	}

	var err error
	if filter.ActiveFrom, err = optionalTime(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if filter.ActiveTo, err = optionalTime(r, "to"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	positions, err := h.positions.ListPositions(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// GetChart returns a position with its pairs and aligned candle window.
// GET /api/positions/{id}/chart
func (h *PositionHandler) GetChart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chart, err := h.charts.PositionChart(r.Context(), id)
	if err != nil {
		if domain.Classify(err) != domain.KindNotFound {
			h.logger.ErrorContext(r.Context(), "chart failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chart)
}
