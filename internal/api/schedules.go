package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/harvey240/evcharger-scheduler/internal/scheduler"
)

// ScheduleHandler exposes schedule CRUD and manual triggering.
type ScheduleHandler struct {
	Reconciler *scheduler.Reconciler
	Logger     *zap.Logger
}

func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Reconciler.List(r.Context())
	if err != nil {
		h.serverError(w, "list schedules", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	email, _ := UserEmailFromContext(r.Context())

	var in scheduler.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	created, err := h.Reconciler.Create(r.Context(), email, in)
	if err != nil {
		h.writeError(w, "create schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := scheduleID(w, r)
	if !ok {
		return
	}

	var in scheduler.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	updated, err := h.Reconciler.Update(r.Context(), id, in)
	if err != nil {
		h.writeError(w, "update schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := scheduleID(w, r)
	if !ok {
		return
	}

	if err := h.Reconciler.Delete(r.Context(), id); err != nil {
		h.writeError(w, "delete schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *ScheduleHandler) Run(w http.ResponseWriter, r *http.Request) {
	id, ok := scheduleID(w, r)
	if !ok {
		return
	}

	if err := h.Reconciler.RunNow(r.Context(), id); err != nil {
		h.writeError(w, "run schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeError maps domain errors to status codes: caller mistakes get
// descriptive 400s, unknown ids 404, everything else a logged generic
// 500.
func (h *ScheduleHandler) writeError(w http.ResponseWriter, op string, err error) {
	var vErr *scheduler.ValidationError
	switch {
	case errors.As(err, &vErr):
		http.Error(w, vErr.Error(), http.StatusBadRequest)
	case errors.Is(err, scheduler.ErrScheduleNotFound):
		http.Error(w, "schedule not found", http.StatusNotFound)
	default:
		h.serverError(w, op, err)
	}
}

func (h *ScheduleHandler) serverError(w http.ResponseWriter, op string, err error) {
	h.Logger.Error("Request failed", zap.String("op", op), zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func scheduleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid schedule id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
