package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/metrics"
)

const maxQueryLimit = 500

// Write stores the entry. A database failure spools the entry locally and
// is not reported to the caller unless spooling fails too.
func (s *Service) Write(ctx context.Context, e Entry) error {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusInfo
	}

	err := s.insert(ctx, e)
	if err == nil {
		return nil
	}

	s.Logger.Warn("device log write failed, spooling",
		zap.String("event_id", e.EventID.String()), zap.String("device_id", e.DeviceID), zap.Error(err))
	if s.Spool == nil {
		return fmt.Errorf("write device log: %w", err)
	}
	if spoolErr := s.Spool.Append(e); spoolErr != nil {
		s.Logger.Error("device log spool failed", zap.String("event_id", e.EventID.String()), zap.Error(spoolErr))
		return fmt.Errorf("audit critical failure: %w", spoolErr)
	}
	metrics.AuditSpooled.Inc()
	return nil
}

func (s *Service) insert(ctx context.Context, e Entry) error {
	query := `
		INSERT INTO device_logs (event_id, device_id, component, detail, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING`
	var meta any
	if len(e.Metadata) > 0 {
		meta = []byte(e.Metadata)
	}
	_, err := s.DB.ExecContext(ctx, query, e.EventID, e.DeviceID, e.Component, e.Detail, e.Status, meta, e.CreatedAt)
	return err
}

// Query returns a device's log entries newest first.
func (s *Service) Query(ctx context.Context, f Filter) ([]Entry, error) {
	q := `SELECT id, event_id, device_id, component, detail, status, metadata, created_at
	      FROM device_logs
	      WHERE device_id = $1`
	args := []any{f.DeviceID}

	if f.Component != "" {
		args = append(args, f.Component)
		q += fmt.Sprintf(" AND component = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Before > 0 {
		args = append(args, f.Before)
		q += fmt.Sprintf(" AND id < $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.EventID, &e.DeviceID, &e.Component, &e.Detail, &e.Status, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			e.Metadata = meta
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
