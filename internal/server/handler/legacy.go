package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// LegacyRoutes lists the retired upload endpoints. Imports only happen
// through the watched directory or the manual import endpoints.
var LegacyRoutes = []string{
	"POST /api/upload",
	"POST /api/upload/batch",
	"POST /api/trades/import",
	"POST /api/executions/import",
	"POST /api/import/csv",
}

// LegacyHandler answers retired upload endpoints.
type LegacyHandler struct {
	logger *slog.Logger
}

// NewLegacyHandler creates a LegacyHandler.
func NewLegacyHandler(logger *slog.Logger) *LegacyHandler {
	return &LegacyHandler{logger: logHandler(logger, "legacy")}
}

// Gone rejects the request with 410 and the legacy_endpoint_removed kind.
func (h *LegacyHandler) Gone(w http.ResponseWriter, r *http.Request) {
	h.logger.WarnContext(r.Context(), "legacy import endpoint called",
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)
	writeDomainError(w, domain.ErrLegacyEndpointRemoved)
}
