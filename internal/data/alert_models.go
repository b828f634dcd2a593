package data

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityNormal   Severity = "Normal"
	SeverityWarning  Severity = "Warning"
	SeverityCritical Severity = "Critical"
)

// Rank orders severities so escalation can be detected.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	}
	return 0
}

type Lifecycle string

const (
	LifecycleActive  Lifecycle = "Active"
	LifecycleRecent  Lifecycle = "Recent"
	LifecycleHistory Lifecycle = "History"
)

type AlertStatus string

const (
	AlertStatusActive    AlertStatus = "Active"
	AlertStatusResolved  AlertStatus = "Resolved"
	AlertStatusEscalated AlertStatus = "Escalated"
	AlertStatusCleared   AlertStatus = "Cleared"
	AlertStatusExpired   AlertStatus = "Expired"
)

type Alert struct {
	ID             uuid.UUID   `json:"id"`
	DeviceID       string      `json:"deviceId"`
	Originator     string      `json:"originator"`
	Parameter      Parameter   `json:"parameter"`
	Type           string      `json:"type"`
	Message        string      `json:"message"`
	Value          float64     `json:"value"`
	Severity       Severity    `json:"severity"`
	Lifecycle      Lifecycle   `json:"lifecycle"`
	Status         AlertStatus `json:"status"`
	IsBackToNormal bool        `json:"isBackToNormal"`
	Note           string      `json:"note,omitempty"`
	Acknowledged   bool        `json:"acknowledged"`
	AcknowledgedBy string      `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time  `json:"acknowledgedAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
	IsDeleted      bool        `json:"isDeleted"`
	DeletedAt      *time.Time  `json:"deletedAt,omitempty"`
}

// AlertFilter narrows Query. Zero fields do not filter; Deleted defaults to
// excluding soft-deleted alerts.
type AlertFilter struct {
	Lifecycle  Lifecycle
	Severity   Severity
	Originator string
	DeviceID   string
	Deleted    *bool
	Limit      int
}

// AlertRepository defines persistence for alerts. Lifecycle moves are
// compare-and-swap: they only apply when the stored lifecycle matches.
type AlertRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*Alert, error)
	// ListActive returns live Active alerts for the pair, back-to-normal
	// ones included.
	ListActive(ctx context.Context, originator string, p Parameter) ([]*Alert, error)
	Create(ctx context.Context, a *Alert) error
	// CreateBackToNormal inserts a back-to-normal alert unless one is
	// already Active for the pair. Reports whether a row was inserted.
	CreateBackToNormal(ctx context.Context, a *Alert) (bool, error)
	// Transition moves an alert from one lifecycle to another, setting its
	// status. markBackToNormal also flags the alert as back-to-normal.
	Transition(ctx context.Context, id uuid.UUID, from, to Lifecycle, status AlertStatus, markBackToNormal bool) (bool, error)
	Acknowledge(ctx context.Context, id uuid.UUID, user string, at time.Time) error
	// SoftDelete flags the non-Active alerts among ids and returns them.
	SoftDelete(ctx context.Context, ids []uuid.UUID, at time.Time) ([]*Alert, error)
	// Restore upserts the records as live alerts. Returns rows written.
	Restore(ctx context.Context, alerts []*Alert) (int, error)
	Query(ctx context.Context, f AlertFilter) ([]*Alert, error)

	// ClearBackToNormal moves the device's Active back-to-normal alerts
	// created before olderThan to Recent/Cleared.
	ClearBackToNormal(ctx context.Context, deviceID string, olderThan time.Time) (int64, error)
	// ArchiveRecent moves the device's Recent alerts created before
	// olderThan to History.
	ArchiveRecent(ctx context.Context, deviceID string, olderThan time.Time) (int64, error)
	// ExpireStale moves the device's Active non-back-to-normal alerts
	// created before olderThan to Recent/Expired.
	ExpireStale(ctx context.Context, deviceID string, olderThan time.Time) (int64, error)
	// PurgeDeleted removes soft-deleted alerts deleted before the cutoff and
	// returns how many rows each device lost.
	PurgeDeleted(ctx context.Context, before time.Time) (map[string]int64, error)
	// OrphanDeviceIDs lists devices outside known that still own live
	// Active or Recent alerts.
	OrphanDeviceIDs(ctx context.Context, known []string) ([]string, error)
}
