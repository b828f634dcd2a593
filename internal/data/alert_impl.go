package data

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type AlertModel struct {
	DB DBTX
}

const alertColumns = `id, device_id, originator, parameter, type, message, value, severity, lifecycle, status,
	is_back_to_normal, note, acknowledged, acknowledged_by, acknowledged_at, created_at, updated_at, is_deleted, deleted_at`

func scanAlert(row rowScanner) (*Alert, error) {
	var a Alert
	var ackBy sql.NullString
	var ackAt, deletedAt pq.NullTime
	err := row.Scan(
		&a.ID, &a.DeviceID, &a.Originator, &a.Parameter, &a.Type, &a.Message, &a.Value,
		&a.Severity, &a.Lifecycle, &a.Status, &a.IsBackToNormal, &a.Note, &a.Acknowledged,
		&ackBy, &ackAt, &a.CreatedAt, &a.UpdatedAt, &a.IsDeleted, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	a.AcknowledgedBy = ackBy.String
	if ackAt.Valid {
		t := ackAt.Time
		a.AcknowledgedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		a.DeletedAt = &t
	}
	return &a, nil
}

func scanAlerts(rows *sql.Rows) ([]*Alert, error) {
	defer rows.Close()
	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (m *AlertModel) Get(ctx context.Context, id uuid.UUID) (*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`
	a, err := scanAlert(m.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return a, err
}

func (m *AlertModel) ListActive(ctx context.Context, originator string, p Parameter) ([]*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE originator = $1 AND parameter = $2 AND lifecycle = 'Active' AND is_deleted = false
		ORDER BY created_at`
	rows, err := m.DB.QueryContext(ctx, query, originator, p)
	if err != nil {
		return nil, err
	}
	return scanAlerts(rows)
}

const insertAlert = `
	INSERT INTO alerts (id, device_id, originator, parameter, type, message, value, severity, lifecycle, status,
		is_back_to_normal, note, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`

func alertInsertArgs(a *Alert) []any {
	return []any{
		a.ID, a.DeviceID, a.Originator, a.Parameter, a.Type, a.Message, a.Value, a.Severity,
		a.Lifecycle, a.Status, a.IsBackToNormal, a.Note, a.CreatedAt,
	}
}

func prepareAlert(a *Alert) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt
}

func (m *AlertModel) Create(ctx context.Context, a *Alert) error {
	prepareAlert(a)
	_, err := m.DB.ExecContext(ctx, insertAlert, alertInsertArgs(a)...)
	return err
}

func (m *AlertModel) CreateBackToNormal(ctx context.Context, a *Alert) (bool, error) {
	prepareAlert(a)
	res, err := m.DB.ExecContext(ctx, insertAlert+` ON CONFLICT DO NOTHING`, alertInsertArgs(a)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *AlertModel) Transition(ctx context.Context, id uuid.UUID, from, to Lifecycle, status AlertStatus, markBackToNormal bool) (bool, error) {
	query := `
		UPDATE alerts
		SET lifecycle = $3, status = $4, is_back_to_normal = is_back_to_normal OR $5, updated_at = NOW()
		WHERE id = $1 AND lifecycle = $2`
	res, err := m.DB.ExecContext(ctx, query, id, from, to, status, markBackToNormal)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *AlertModel) Acknowledge(ctx context.Context, id uuid.UUID, user string, at time.Time) error {
	query := `
		UPDATE alerts
		SET acknowledged = true, acknowledged_by = $2, acknowledged_at = $3, updated_at = NOW()
		WHERE id = $1 AND lifecycle = 'Active' AND is_deleted = false`
	res, err := m.DB.ExecContext(ctx, query, id, user, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m *AlertModel) SoftDelete(ctx context.Context, ids []uuid.UUID, at time.Time) ([]*Alert, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	query := `
		UPDATE alerts SET is_deleted = true, deleted_at = $2, updated_at = NOW()
		WHERE id = ANY($1::uuid[]) AND lifecycle <> 'Active' AND is_deleted = false
		RETURNING ` + alertColumns
	rows, err := m.DB.QueryContext(ctx, query, pq.Array(strIDs), at)
	if err != nil {
		return nil, err
	}
	return scanAlerts(rows)
}

func (m *AlertModel) Restore(ctx context.Context, alerts []*Alert) (int, error) {
	restored := 0
	err := withTx(ctx, m.DB, func(tx DBTX) error {
		for _, a := range alerts {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO alerts (id, device_id, originator, parameter, type, message, value, severity, lifecycle, status,
					is_back_to_normal, note, acknowledged, acknowledged_by, acknowledged_at, created_at, updated_at,
					is_deleted, deleted_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), false, NULL)
				ON CONFLICT (id) DO UPDATE SET is_deleted = false, deleted_at = NULL, updated_at = NOW()
				WHERE alerts.is_deleted = true`,
				a.ID, a.DeviceID, a.Originator, a.Parameter, a.Type, a.Message, a.Value, a.Severity,
				a.Lifecycle, a.Status, a.IsBackToNormal, a.Note, a.Acknowledged, nullString(a.AcknowledgedBy),
				a.AcknowledgedAt, a.CreatedAt)
			if err != nil {
				return fmt.Errorf("restore alert %s: %w", a.ID, err)
			}
			n, _ := res.RowsAffected()
			restored += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return restored, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (m *AlertModel) Query(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Lifecycle != "" {
		add("lifecycle = $%d", f.Lifecycle)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	if f.Originator != "" {
		add("originator = $%d", f.Originator)
	}
	if f.DeviceID != "" {
		add("device_id = $%d", f.DeviceID)
	}
	deleted := false
	if f.Deleted != nil {
		deleted = *f.Deleted
	}
	add("is_deleted = $%d", deleted)

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanAlerts(rows)
}

func (m *AlertModel) bulk(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := m.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (m *AlertModel) ClearBackToNormal(ctx context.Context, deviceID string, olderThan time.Time) (int64, error) {
	return m.bulk(ctx, `
		UPDATE alerts SET lifecycle = 'Recent', status = 'Cleared', updated_at = NOW()
		WHERE device_id = $1 AND lifecycle = 'Active' AND is_back_to_normal = true
		  AND is_deleted = false AND created_at < $2`, deviceID, olderThan)
}

func (m *AlertModel) ArchiveRecent(ctx context.Context, deviceID string, olderThan time.Time) (int64, error) {
	return m.bulk(ctx, `
		UPDATE alerts SET lifecycle = 'History', updated_at = NOW()
		WHERE device_id = $1 AND lifecycle = 'Recent' AND is_deleted = false AND created_at < $2`,
		deviceID, olderThan)
}

func (m *AlertModel) ExpireStale(ctx context.Context, deviceID string, olderThan time.Time) (int64, error) {
	return m.bulk(ctx, `
		UPDATE alerts SET lifecycle = 'Recent', status = 'Expired', is_back_to_normal = true, updated_at = NOW()
		WHERE device_id = $1 AND lifecycle = 'Active' AND is_back_to_normal = false
		  AND is_deleted = false AND created_at < $2`, deviceID, olderThan)
}

func (m *AlertModel) PurgeDeleted(ctx context.Context, before time.Time) (map[string]int64, error) {
	rows, err := m.DB.QueryContext(ctx,
		`DELETE FROM alerts WHERE is_deleted = true AND deleted_at < $1 RETURNING device_id`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perDevice := make(map[string]int64)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		perDevice[id]++
	}
	return perDevice, rows.Err()
}

func (m *AlertModel) OrphanDeviceIDs(ctx context.Context, known []string) ([]string, error) {
	if known == nil {
		known = []string{}
	}
	rows, err := m.DB.QueryContext(ctx, `
		SELECT DISTINCT device_id FROM alerts
		WHERE is_deleted = false AND lifecycle <> 'History' AND NOT (device_id = ANY($1))
		ORDER BY device_id`, pq.Array(known))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
