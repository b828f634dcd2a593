package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/data"
)

// GET /api/v1/alerts
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := data.AlertFilter{
		Lifecycle:  data.Lifecycle(q.Get("lifecycle")),
		Severity:   data.Severity(q.Get("severity")),
		Originator: q.Get("originator"),
		DeviceID:   q.Get("deviceId"),
	}
	switch f.Lifecycle {
	case "", data.LifecycleActive, data.LifecycleRecent, data.LifecycleHistory:
	default:
		respondError(w, http.StatusBadRequest, "Invalid lifecycle")
		return
	}
	switch f.Severity {
	case "", data.SeverityNormal, data.SeverityWarning, data.SeverityCritical:
	default:
		respondError(w, http.StatusBadRequest, "Invalid severity")
		return
	}
	if v := q.Get("deleted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid deleted flag")
			return
		}
		f.Deleted = &b
	}
	if v := q.Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		f.Limit = l
	}

	out, err := h.Alerts.Query(r.Context(), f)
	if err != nil {
		h.log().Error("alert query failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Query failed")
		return
	}
	if out == nil {
		out = []*data.Alert{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"alerts": out})
}

// POST /api/v1/alerts/{id}/acknowledge
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid alert id")
		return
	}
	var req struct {
		User string `json:"user"`
	}
	if err := decodeJSON(r, &req); err != nil || req.User == "" {
		respondError(w, http.StatusBadRequest, "user is required")
		return
	}

	a, err := h.Alerts.Acknowledge(r.Context(), id, req.User)
	if err != nil {
		h.fail(w, "acknowledge failed", err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// POST /api/v1/alerts/delete
func (h *Handler) DeleteAlerts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []uuid.UUID `json:"ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	batch, err := h.Alerts.Delete(r.Context(), req.IDs)
	if err != nil {
		h.fail(w, "delete failed", err)
		return
	}
	respondJSON(w, http.StatusOK, batch)
}

// POST /api/v1/alerts/restore
func (h *Handler) RestoreAlerts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alerts []*data.Alert `json:"alerts"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	n, err := h.Alerts.Restore(r.Context(), req.Alerts)
	if err != nil {
		h.fail(w, "restore failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"restored": n})
}

// POST /api/v1/alerts/undo/{batchId}
func (h *Handler) UndoDelete(w http.ResponseWriter, r *http.Request) {
	n, err := h.Alerts.Undo(r.Context(), chi.URLParam(r, "batchId"))
	if err != nil {
		h.fail(w, "undo failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"restored": n})
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log().Error(msg, zap.Error(err))
		respondError(w, status, "Internal error")
		return
	}
	respondError(w, status, err.Error())
}
