package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/data"
)

// POST /api/v1/readings
func (h *Handler) PostReading(w http.ResponseWriter, r *http.Request) {
	var reading data.Reading
	if err := decodeJSON(r, &reading); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	out, err := h.Readings.Ingest(r.Context(), reading)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.log().Error("ingest failed", zap.String("device_id", reading.DeviceID), zap.Error(err))
			respondError(w, status, "Reading stored but processing failed")
			return
		}
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, out)
}
