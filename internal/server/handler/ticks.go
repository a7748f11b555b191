package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

// TickHistory is the read side of a tick store.
type TickHistory interface {
	Latest(ctx context.Context) (domain.TickReport, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.TickReport, error)
}

// TickHandler serves stored tick reports.
type TickHandler struct {
	ticks  TickHistory
	logger *slog.Logger
}

// NewTickHandler creates a TickHandler.
func NewTickHandler(ticks TickHistory, logger *slog.Logger) *TickHandler {
	return &TickHandler{ticks: ticks, logger: logger}
}

// ListTicks returns tick reports newest first.
// GET /api/ticks?limit=&offset=
func (h *TickHandler) ListTicks(w http.ResponseWriter, r *http.Request) {
	ticks, err := h.ticks.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list ticks failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list ticks")
		return
	}
	if ticks == nil {
		ticks = []domain.TickReport{}
	}
	writeJSON(w, http.StatusOK, ticks)
}

// LatestTick returns the most recent tick report.
// GET /api/ticks/latest
func (h *TickHandler) LatestTick(w http.ResponseWriter, r *http.Request) {
	tick, err := h.ticks.Latest(r.Context())
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no ticks recorded yet")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "latest tick failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load latest tick")
		return
	}
	writeJSON(w, http.StatusOK, tick)
}
