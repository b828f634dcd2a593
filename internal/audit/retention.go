package audit

import (
	"context"
	"fmt"
	"time"
)

const MinRetentionDays = 30

// CheckRetentionPolicy rejects retention windows shorter than the minimum.
func CheckRetentionPolicy(days int) error {
	if days < MinRetentionDays {
		return fmt.Errorf("retention must be at least %d days (requested: %d)", MinRetentionDays, days)
	}
	return nil
}

// Prune deletes device log entries older than the retention window.
func (s *Service) Prune(ctx context.Context, days int) (int64, error) {
	if err := CheckRetentionPolicy(days); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.DB.ExecContext(ctx, `DELETE FROM device_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
