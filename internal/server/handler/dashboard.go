package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// DashboardReader computes daily account summaries.
type DashboardReader interface {
	Summary(ctx context.Context, account string, day time.Time) (domain.DashboardSummary, error)
}

// DashboardHandler serves the daily dashboard aggregate.
type DashboardHandler struct {
	dashboards DashboardReader
	logger     *slog.Logger
	now        func() time.Time
}

// NewDashboardHandler creates a DashboardHandler.
func NewDashboardHandler(dashboards DashboardReader, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{dashboards: dashboards, logger: logHandler(logger, "dashboard"), now: time.Now}
}

// GetDashboard returns the summary for one account and UTC day (today when
// date is omitted).
// GET /api/dashboard?account&date
func (h *DashboardHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(r.URL.Query().Get("account"))
	if account == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "account is required")
		return
	}

	day := h.now().UTC()
	if v := r.URL.Query().Get("date"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
		day = t
	}

	summary, err := h.dashboards.Summary(r.Context(), account, day)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "dashboard failed",
			slog.String("account", account),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
