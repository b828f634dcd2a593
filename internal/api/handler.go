package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/alerts"
	"github.com/technosupport/aquawatch/internal/audit"
	"github.com/technosupport/aquawatch/internal/commands"
	"github.com/technosupport/aquawatch/internal/data"
	"github.com/technosupport/aquawatch/internal/ingest"
)

type Ingester interface {
	Ingest(ctx context.Context, r data.Reading) (*ingest.Outcome, error)
}

type AlertService interface {
	Acknowledge(ctx context.Context, id uuid.UUID, user string) (*data.Alert, error)
	Delete(ctx context.Context, ids []uuid.UUID) (*alerts.DeleteBatch, error)
	Restore(ctx context.Context, as []*data.Alert) (int, error)
	Undo(ctx context.Context, batchID string) (int, error)
	Query(ctx context.Context, f data.AlertFilter) ([]*data.Alert, error)
}

type LogStore interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

// Handler serves the REST API. Events receives state broadcasts for
// configuration changes and may be nil.
type Handler struct {
	Readings Ingester
	Alerts   AlertService
	Devices  data.DeviceRepository
	Logs     LogStore
	Audit    audit.Recorder
	Events   commands.Broadcaster
	Logger   *zap.Logger
	// Ping reports backend health for /healthz.
	Ping func(ctx context.Context) error
}

func (h *Handler) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
