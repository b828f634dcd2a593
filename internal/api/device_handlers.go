package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/audit"
	"github.com/technosupport/aquawatch/internal/commands"
	"github.com/technosupport/aquawatch/internal/data"
	"github.com/technosupport/aquawatch/internal/evaluator"
)

// GET /api/v1/devices/{id}
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := h.Devices.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "device lookup failed", err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// PUT /api/v1/devices/{id}/configurations
//
// Thresholds must be strictly increasing and in-use shut-off limits must be
// coherent. With ?autocorrect=true invalid sets are repaired instead of
// rejected.
func (h *Handler) SaveConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var cfg data.DeviceConfig
	if err := decodeJSON(r, &cfg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	ai := cfg.Alerts
	if ai.ActiveToRecentSeconds < 0 || ai.RecentToHistoryMinutes < 0 || ai.StaleActiveToRecentMinutes < 0 {
		respondError(w, http.StatusBadRequest, "alert intervals must not be negative")
		return
	}

	var corrections []string
	if autocorrect, _ := strconv.ParseBool(r.URL.Query().Get("autocorrect")); autocorrect {
		var fixed []string
		cfg.Thresholds, corrections = evaluator.NormalizeThresholds(cfg.Thresholds)
		cfg.Controls.ShutOff, fixed = evaluator.NormalizeShutOff(cfg.Controls)
		corrections = append(corrections, fixed...)
	} else if err := errors.Join(evaluator.ValidateThresholds(cfg.Thresholds), evaluator.ValidateShutOff(cfg.Controls)); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := h.Devices.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "device lookup failed", err)
		return
	}
	if err := h.Devices.SaveConfig(r.Context(), id, cfg); err != nil {
		h.fail(w, "config save failed", err)
		return
	}
	d.Config = cfg

	detail := "Configuration updated"
	if len(corrections) > 0 {
		detail += " with corrections: " + strings.Join(corrections, "; ")
	}
	h.record(r, audit.Entry{
		DeviceID:  id,
		Component: audit.ComponentConfig,
		Detail:    detail,
		Status:    audit.StatusInfo,
		Metadata:  corrMetadata(corrections),
	})
	if h.Events != nil {
		ev := commands.Event{Kind: commands.EventState, DeviceID: id, Payload: d, At: time.Now().UTC()}
		if err := h.Events.Broadcast(r.Context(), ev); err != nil {
			h.log().Warn("state broadcast failed", zap.String("device_id", id), zap.Error(err))
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"configurations": cfg,
		"corrections":    corrections,
	})
}

func corrMetadata(corrections []string) json.RawMessage {
	if len(corrections) == 0 {
		return nil
	}
	raw, _ := json.Marshal(map[string][]string{"corrections": corrections})
	return raw
}

func (h *Handler) record(r *http.Request, e audit.Entry) {
	if h.Audit == nil {
		return
	}
	if err := h.Audit.Write(r.Context(), e); err != nil {
		h.log().Error("device log write failed", zap.String("device_id", e.DeviceID), zap.Error(err))
	}
}

// GET /api/v1/devices/{id}/logs
func (h *Handler) DeviceLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		DeviceID:  chi.URLParam(r, "id"),
		Component: q.Get("component"),
		Status:    audit.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			f.Limit = l
		}
	}
	if v := q.Get("before"); v != "" {
		b, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid cursor")
			return
		}
		f.Before = b
	}

	entries, err := h.Logs.Query(r.Context(), f)
	if err != nil && !errors.Is(err, data.ErrRecordNotFound) {
		h.log().Error("device log query failed", zap.String("device_id", f.DeviceID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Query failed")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	resp := map[string]any{"logs": entries}
	if n := len(entries); n > 0 {
		resp["cursor"] = entries[n-1].ID
	}
	respondJSON(w, http.StatusOK, resp)
}
