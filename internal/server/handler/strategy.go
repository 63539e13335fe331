package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// StrategyReader defines the methods that the strategy handler requires
// from the service layer.
type StrategyReader interface {
	GetStatus(ctx context.Context, id string) (domain.StrategyStatus, error)
	List(ctx context.Context, states []domain.State, opts domain.ListOpts) ([]domain.StrategyStatus, error)
	Audit(ctx context.Context, id string, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// Aborter stops a strategy's automatic progression. The orchestrator's
// dispatcher satisfies this; processes running without one pass nil.
type Aborter interface {
	Abort(ctx context.Context, id, reason string) error
}

// StrategyHandler serves strategy lifecycle HTTP endpoints.
type StrategyHandler struct {
	strategies StrategyReader
	aborter    Aborter
	logger     *slog.Logger
}

// NewStrategyHandler creates a StrategyHandler. aborter may be nil when the
// process serves reads only.
func NewStrategyHandler(strategies StrategyReader, aborter Aborter, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{
		strategies: strategies,
		aborter:    aborter,
		logger:     logHandler(logger, "strategy"),
	}
}

// listStrategiesResponse wraps the list of strategy statuses.
type listStrategiesResponse struct {
	Strategies []domain.StrategyStatus `json:"strategies"`
	Limit      int                     `json:"limit"`
	Offset     int                     `json:"offset"`
}

// ListStrategies returns strategy statuses, newest first.
// GET /api/strategies?state=futures_open&limit=50&offset=0
func (h *StrategyHandler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	var states []domain.State
	if v := r.URL.Query().Get("state"); v != "" {
		state := domain.State(v)
		if !state.Known() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", v))
			return
		}
		states = append(states, state)
	}

	statuses, err := h.strategies.List(r.Context(), states, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list strategies failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list strategies")
		return
	}

	if statuses == nil {
		statuses = []domain.StrategyStatus{}
	}

	writeJSON(w, http.StatusOK, listStrategiesResponse{
		Strategies: statuses,
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	})
}

// GetStrategy returns a single strategy's status projection.
// GET /api/strategies/{id}
func (h *StrategyHandler) GetStrategy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "strategy id is required")
		return
	}

	status, err := h.strategies.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "strategy not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get strategy failed",
			slog.String("strategy_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get strategy")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// listAuditResponse wraps a strategy's audit trail.
type listAuditResponse struct {
	StrategyID string              `json:"strategy_id"`
	Entries    []domain.AuditEntry `json:"entries"`
}

// GetAudit returns the audit trail for one strategy, newest first.
// GET /api/strategies/{id}/audit?limit=50&offset=0&since=2026-01-01T00:00:00Z
func (h *StrategyHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "strategy id is required")
		return
	}

	entries, err := h.strategies.Audit(r.Context(), id, parseListOpts(r))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "strategy not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get audit trail failed",
			slog.String("strategy_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get audit trail")
		return
	}

	if entries == nil {
		entries = []domain.AuditEntry{}
	}

	writeJSON(w, http.StatusOK, listAuditResponse{StrategyID: id, Entries: entries})
}

// abortRequest carries the operator-supplied reason for an abort.
type abortRequest struct {
	Reason string `json:"reason"`
}

// AbortStrategy requests an operator abort. The strategy is parked in the
// failed state the next time its worker picks it up, so the response is 202.
// POST /api/strategies/{id}/abort
func (h *StrategyHandler) AbortStrategy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "strategy id is required")
		return
	}

	if h.aborter == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator is not running in this process")
		return
	}

	var req abortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "operator abort"
	}

	if err := h.aborter.Abort(r.Context(), id, req.Reason); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "strategy not found")
		case errors.Is(err, domain.ErrTerminal):
			writeError(w, http.StatusConflict, "strategy is already terminal")
		default:
			h.logger.ErrorContext(r.Context(), "handler: abort strategy failed",
				slog.String("strategy_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to abort strategy")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "abort requested",
		"strategy_id": id,
	})
}
