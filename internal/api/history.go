package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/harvey240/evcharger-scheduler/internal/store"
)

const defaultHistoryLimit = 50

// HistoryHandler exposes the run history read path.
type HistoryHandler struct {
	History *store.HistoryStore
	Logger  *zap.Logger
}

func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	var scheduleID *int64
	if raw := r.URL.Query().Get("scheduleId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid scheduleId", http.StatusBadRequest)
			return
		}
		scheduleID = &id
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.History.List(r.Context(), scheduleID, limit)
	if err != nil {
		h.Logger.Error("Request failed", zap.String("op", "list run history"), zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
