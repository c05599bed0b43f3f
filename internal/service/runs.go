package service

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/report"
	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 200
)

// RunStore is satisfied by *report.Store.
type RunStore interface {
	List(ctx context.Context, dataset string, limit int) ([]report.Run, error)
	Get(ctx context.Context, id int64) (*report.Run, error)
}

// RunsHandler serves the stored blocking-run history.
type RunsHandler struct {
	store  RunStore
	logger *slog.Logger
}

// NewRunsHandler creates a RunsHandler over store.
func NewRunsHandler(store RunStore) *RunsHandler {
	return &RunsHandler{
		store:  store,
		logger: slog.Default().With("component", "runs-handler"),
	}
}

// Routes registers the history endpoints on mux.
func (h *RunsHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/runs", h.List)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.Get)
}

// List handles GET /api/v1/runs?dataset=<path>&limit=<n>.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, h.logger, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := h.store.List(r.Context(), r.URL.Query().Get("dataset"), limit)
	if err != nil {
		h.logger.Error("listing runs failed", "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "listing runs failed")
		return
	}
	if runs == nil {
		runs = []report.Run{}
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"runs": runs})
}

// Get handles GET /api/v1/runs/{id}.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "run id must be an integer")
		return
	}
	run, err := h.store.Get(r.Context(), id)
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("loading run failed", "id", id, "error", err)
			writeError(w, h.logger, status, http.StatusText(status))
			return
		}
		writeError(w, h.logger, status, err.Error())
		return
	}
	writeJSON(w, h.logger, http.StatusOK, run)
}
