// Package api exposes the HTTP and websocket surface.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/technosupport/aquawatch/internal/alerts"
	"github.com/technosupport/aquawatch/internal/data"
	"github.com/technosupport/aquawatch/internal/evaluator"
	"github.com/technosupport/aquawatch/internal/ingest"
)

const maxBody = 1 << 20

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrMissingDeviceID),
		errors.Is(err, alerts.ErrEmptyBatch),
		errors.Is(err, alerts.ErrInvalidRestore),
		errors.Is(err, evaluator.ErrInvalidThresholds):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrUnknownDevice),
		errors.Is(err, data.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, alerts.ErrAlertNotActive):
		return http.StatusConflict
	case errors.Is(err, alerts.ErrUndoExpired):
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
}
