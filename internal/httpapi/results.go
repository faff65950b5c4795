package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"example.com/promptctf/internal/store"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

type ResultReader interface {
	Recent(ctx context.Context, limit int) ([]store.MatchResult, error)
	Summary(ctx context.Context) (store.Summary, error)
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ResultsHandler struct {
	Results ResultReader
	Log     *slog.Logger
}

// List serves GET /api/results?limit=N.
func (h *ResultsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxLimit)
	}

	results, err := h.Results.Recent(r.Context(), limit)
	if err != nil {
		h.Log.Error("list results", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// Summary serves GET /api/results/summary.
func (h *ResultsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Results.Summary(r.Context())
	if err != nil {
		h.Log.Error("results summary", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load summary")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, ErrorResponse{Code: errCode, Message: msg})
}
