package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusInfo    Status = "info"
	StatusWarning Status = "warning"
)

// Components that emit device log entries.
const (
	ComponentAutomation = "automation"
	ComponentLifecycle  = "lifecycle"
	ComponentLiveness   = "liveness"
	ComponentConfig     = "config"
)

// Entry is one device log record.
type Entry struct {
	ID        int64           `json:"id,omitempty"`
	EventID   uuid.UUID       `json:"eventId"` // Idempotency Key
	DeviceID  string          `json:"deviceId"`
	Component string          `json:"component"`
	Detail    string          `json:"detail"`
	Status    Status          `json:"status"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// spooledEntry wraps an entry for JSONL spooling.
type spooledEntry struct {
	EventID   string    `json:"event_id"`
	Payload   Entry     `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type Filter struct {
	DeviceID  string
	Component string
	Status    Status
	Limit     int
	Before    int64 // ID cursor
}

// Recorder is what components need to emit device logs.
type Recorder interface {
	Write(ctx context.Context, e Entry) error
}

type Service struct {
	DB     *sql.DB
	Spool  *Spool
	Logger *zap.Logger
}

func NewService(db *sql.DB, spool *Spool, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{DB: db, Spool: spool, Logger: logger}
}
