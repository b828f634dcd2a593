// Package alerts reconciles evaluated readings against open alerts and
// handles operator actions on alert records.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/commands"
	"github.com/technosupport/aquawatch/internal/data"
	"github.com/technosupport/aquawatch/internal/evaluator"
	"github.com/technosupport/aquawatch/internal/metrics"
)

var (
	ErrAlertNotActive = errors.New("alert is not active")
	ErrUndoExpired    = errors.New("undo window expired")
	ErrEmptyBatch     = errors.New("no alerts given")
	ErrInvalidRestore = errors.New("invalid restore record")
)

const maxQueryLimit = 1000

type Action string

const (
	ActionNone      Action = "none"
	ActionCreated   Action = "created"
	ActionEscalated Action = "escalated"
	ActionResolved  Action = "resolved"
	ActionCleared   Action = "cleared"
)

// Event is broadcast for every alert the manager creates or moves.
type Event struct {
	Action Action      `json:"action"`
	Alert  *data.Alert `json:"alert"`
}

type Manager struct {
	repo   data.AlertRepository
	undo   UndoStore
	events commands.Broadcaster
	logger *zap.Logger
	now    func() time.Time
	locks  *keyedMutex
}

type Option func(*Manager)

func WithUndoStore(u UndoStore) Option {
	return func(m *Manager) { m.undo = u }
}

func WithBroadcaster(b commands.Broadcaster) Option {
	return func(m *Manager) {
		if b != nil {
			m.events = b
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(repo data.AlertRepository, opts ...Option) *Manager {
	m := &Manager{
		repo:   repo,
		events: commands.Nop{},
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func alertType(p data.Parameter, s data.Severity) string {
	return fmt.Sprintf("%s %s", p.Label(), s)
}

func backToNormalType(p data.Parameter) string {
	return p.Label() + " Back to Normal"
}

// Reconcile applies one evaluation result to the open alerts of the
// originator/parameter pair.
func (m *Manager) Reconcile(ctx context.Context, deviceID, originator string, res evaluator.Result) (Action, error) {
	unlock := m.locks.Lock(originator + "|" + string(res.Parameter))
	defer unlock()

	active, err := m.repo.ListActive(ctx, originator, res.Parameter)
	if err != nil {
		return ActionNone, fmt.Errorf("list active alerts: %w", err)
	}
	var current, backToNormal *data.Alert
	for _, a := range active {
		if a.IsBackToNormal {
			backToNormal = a
		} else {
			current = a
		}
	}

	action := ActionNone
	switch {
	case res.Severity == data.SeverityNormal && current == nil:
		// Nothing open, or a back-to-normal notice is already outstanding.
	case res.Severity == data.SeverityNormal:
		if err := m.move(ctx, current, data.AlertStatusResolved); err != nil {
			return ActionNone, err
		}
		action = ActionResolved
		if backToNormal == nil {
			if err := m.createBackToNormal(ctx, deviceID, originator, res); err != nil {
				return action, err
			}
		}
	case current == nil:
		if backToNormal != nil {
			if err := m.move(ctx, backToNormal, data.AlertStatusCleared); err != nil {
				return ActionNone, err
			}
		}
		if err := m.create(ctx, deviceID, originator, res); err != nil {
			return ActionNone, err
		}
		action = ActionCreated
	case current.Severity == res.Severity:
		// Unchanged.
	default:
		if err := m.move(ctx, current, data.AlertStatusEscalated); err != nil {
			return ActionNone, err
		}
		if err := m.create(ctx, deviceID, originator, res); err != nil {
			return ActionEscalated, err
		}
		action = ActionEscalated
	}

	metrics.AlertActions.WithLabelValues(string(res.Parameter), string(action)).Inc()
	return action, nil
}

// move takes an Active alert to Recent with the given status.
func (m *Manager) move(ctx context.Context, a *data.Alert, status data.AlertStatus) error {
	moved, err := m.repo.Transition(ctx, a.ID, data.LifecycleActive, data.LifecycleRecent, status, false)
	if err != nil {
		return fmt.Errorf("move alert %s to %s: %w", a.ID, status, err)
	}
	if !moved {
		// A sweep got there first.
		m.logger.Debug("alert already moved", zap.String("alert_id", a.ID.String()))
		return nil
	}
	a.Lifecycle = data.LifecycleRecent
	a.Status = status
	m.publish(ctx, toAction(status), a)
	return nil
}

func toAction(s data.AlertStatus) Action {
	switch s {
	case data.AlertStatusResolved:
		return ActionResolved
	case data.AlertStatusEscalated:
		return ActionEscalated
	}
	return ActionCleared
}

func (m *Manager) create(ctx context.Context, deviceID, originator string, res evaluator.Result) error {
	a := &data.Alert{
		ID:         uuid.New(),
		DeviceID:   deviceID,
		Originator: originator,
		Parameter:  res.Parameter,
		Type:       alertType(res.Parameter, res.Severity),
		Message:    res.Message,
		Value:      res.Value,
		Severity:   res.Severity,
		Lifecycle:  data.LifecycleActive,
		Status:     data.AlertStatusActive,
		Note:       res.Note,
		CreatedAt:  m.now(),
	}
	if err := m.repo.Create(ctx, a); err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	m.publish(ctx, ActionCreated, a)
	return nil
}

func (m *Manager) createBackToNormal(ctx context.Context, deviceID, originator string, res evaluator.Result) error {
	a := &data.Alert{
		ID:             uuid.New(),
		DeviceID:       deviceID,
		Originator:     originator,
		Parameter:      res.Parameter,
		Type:           backToNormalType(res.Parameter),
		Message:        res.Message,
		Value:          res.Value,
		Severity:       data.SeverityNormal,
		Lifecycle:      data.LifecycleActive,
		Status:         data.AlertStatusActive,
		IsBackToNormal: true,
		CreatedAt:      m.now(),
	}
	inserted, err := m.repo.CreateBackToNormal(ctx, a)
	if err != nil {
		return fmt.Errorf("create back-to-normal alert: %w", err)
	}
	if inserted {
		m.publish(ctx, ActionCreated, a)
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, action Action, a *data.Alert) {
	ev := commands.Event{Kind: commands.EventAlert, DeviceID: a.DeviceID, Payload: Event{Action: action, Alert: a}, At: m.now()}
	if err := m.events.Broadcast(ctx, ev); err != nil {
		m.logger.Warn("alert broadcast failed", zap.String("alert_id", a.ID.String()), zap.Error(err))
	}
}

// Acknowledge marks an Active alert as seen by user.
func (m *Manager) Acknowledge(ctx context.Context, id uuid.UUID, user string) (*data.Alert, error) {
	a, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Lifecycle != data.LifecycleActive || a.IsDeleted {
		return nil, ErrAlertNotActive
	}
	now := m.now()
	if err := m.repo.Acknowledge(ctx, id, user, now); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrAlertNotActive
		}
		return nil, err
	}
	a.Acknowledged = true
	a.AcknowledgedBy = user
	a.AcknowledgedAt = &now
	return a, nil
}

// Delete soft-deletes the non-Active alerts among ids as one batch and keeps
// the batch for undo until the purge grace period elapses.
func (m *Manager) Delete(ctx context.Context, ids []uuid.UUID) (*DeleteBatch, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyBatch
	}
	now := m.now()
	deleted, err := m.repo.SoftDelete(ctx, ids, now)
	if err != nil {
		return nil, fmt.Errorf("soft delete: %w", err)
	}
	batch := &DeleteBatch{
		BatchID:   uuid.NewString(),
		Alerts:    deleted,
		DeletedAt: now,
		ExpiresAt: now.Add(PurgeGrace),
	}
	if len(deleted) > 0 && m.undo != nil {
		if err := m.undo.Save(ctx, batch); err != nil {
			// The client still holds the records and can restore them directly.
			m.logger.Error("undo buffer save failed", zap.String("batch_id", batch.BatchID), zap.Error(err))
		}
	}
	return batch, nil
}

// Restore brings alerts back as live records. Restoring a live alert is a
// no-op; purged alerts are re-inserted. Active records are refused: only
// reconciliation may open an Active alert.
func (m *Manager) Restore(ctx context.Context, alerts []*data.Alert) (int, error) {
	if len(alerts) == 0 {
		return 0, ErrEmptyBatch
	}
	for _, a := range alerts {
		if a == nil || a.ID == uuid.Nil {
			return 0, fmt.Errorf("%w: alert without id", ErrInvalidRestore)
		}
		if a.Lifecycle == data.LifecycleActive {
			return 0, fmt.Errorf("%w: alert %s is Active", ErrInvalidRestore, a.ID)
		}
	}
	n, err := m.repo.Restore(ctx, alerts)
	if err != nil {
		return 0, fmt.Errorf("restore alerts: %w", err)
	}
	return n, nil
}

// Undo restores a delete batch. The buffered batch is dropped only after the
// restore succeeded so a failed undo can be retried.
func (m *Manager) Undo(ctx context.Context, batchID string) (int, error) {
	if m.undo == nil {
		return 0, ErrUndoExpired
	}
	batch, err := m.undo.Load(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if len(batch.Alerts) == 0 {
		return 0, m.undo.Drop(ctx, batchID)
	}
	n, err := m.Restore(ctx, batch.Alerts)
	if err != nil {
		return 0, err
	}
	if err := m.undo.Drop(ctx, batchID); err != nil {
		m.logger.Warn("undo buffer drop failed", zap.String("batch_id", batchID), zap.Error(err))
	}
	return n, nil
}

func (m *Manager) Query(ctx context.Context, f data.AlertFilter) ([]*data.Alert, error) {
	if f.Limit <= 0 || f.Limit > maxQueryLimit {
		f.Limit = maxQueryLimit
	}
	return m.repo.Query(ctx, f)
}
