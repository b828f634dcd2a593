// Package lifecycle advances alerts through Active, Recent and History and
// purges soft-deleted alerts once the undo window has passed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/alerts"
	"github.com/technosupport/aquawatch/internal/audit"
	"github.com/technosupport/aquawatch/internal/data"
	"github.com/technosupport/aquawatch/internal/jobs"
	"github.com/technosupport/aquawatch/internal/metrics"
)

const (
	TaskClearBackToNormal = "alerts.clear_back_to_normal"
	TaskArchiveRecent     = "alerts.archive_recent"
	TaskPurgeDeleted      = "alerts.purge_deleted"
	TaskExpireStale       = "alerts.expire_stale"
)

// Defaults apply when a device leaves an interval unset.
type Defaults struct {
	ActiveToRecent  time.Duration
	RecentToHistory time.Duration
	StaleActive     time.Duration
}

func DefaultIntervals() Defaults {
	return Defaults{
		ActiveToRecent:  30 * time.Second,
		RecentToHistory: 60 * time.Minute,
		StaleActive:     10 * time.Minute,
	}
}

// Schedule is how often each sweep runs.
type Schedule struct {
	ClearBackToNormal time.Duration
	ArchiveRecent     time.Duration
	PurgeDeleted      time.Duration
	ExpireStale       time.Duration
}

func DefaultSchedule() Schedule {
	return Schedule{
		ClearBackToNormal: 30 * time.Second,
		ArchiveRecent:     60 * time.Second,
		PurgeDeleted:      60 * time.Second,
		ExpireStale:       60 * time.Second,
	}
}

type Service struct {
	devices data.DeviceRepository
	alerts  data.AlertRepository
	audit   audit.Recorder
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.RWMutex
	defaults Defaults
}

func NewService(devices data.DeviceRepository, repo data.AlertRepository, rec audit.Recorder, defaults Defaults, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultIntervals()
	if defaults.ActiveToRecent > 0 {
		d.ActiveToRecent = defaults.ActiveToRecent
	}
	if defaults.RecentToHistory > 0 {
		d.RecentToHistory = defaults.RecentToHistory
	}
	if defaults.StaleActive > 0 {
		d.StaleActive = defaults.StaleActive
	}
	return &Service{
		devices:  devices,
		alerts:   repo,
		audit:    rec,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		defaults: d,
	}
}

// SetStaleAfter changes the server-wide stale threshold at runtime.
func (s *Service) SetStaleAfter(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.defaults.StaleActive = d
	s.mu.Unlock()
	s.logger.Info("stale alert threshold updated", zap.Duration("stale_after", d))
}

func (s *Service) intervals() Defaults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

func (s *Service) activeToRecent(d *data.Device) time.Duration {
	if v := d.Config.Alerts.ActiveToRecentSeconds; v > 0 {
		return time.Duration(v) * time.Second
	}
	return s.intervals().ActiveToRecent
}

func (s *Service) recentToHistory(d *data.Device) time.Duration {
	if v := d.Config.Alerts.RecentToHistoryMinutes; v > 0 {
		return time.Duration(v) * time.Minute
	}
	return s.intervals().RecentToHistory
}

func (s *Service) staleAfter(d *data.Device) time.Duration {
	if v := d.Config.Alerts.StaleActiveToRecentMinutes; v > 0 {
		return time.Duration(v) * time.Minute
	}
	return s.intervals().StaleActive
}

type sweepFunc func(ctx context.Context, deviceID string, olderThan time.Time) (int64, error)

// perDevice runs one sweep step for every device, then for devices that are
// no longer provisioned but still own live alerts, using the server
// defaults. A failing device does not stop the others; all failures are
// returned together.
func (s *Service) perDevice(ctx context.Context, sweep string, age func(*data.Device) time.Duration, fn sweepFunc, detail string) error {
	devices, err := s.devices.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: list devices: %w", sweep, err)
	}

	var errs []error
	known := make([]string, 0, len(devices))
	for _, d := range devices {
		known = append(known, d.ID)
	}
	orphans, err := s.alerts.OrphanDeviceIDs(ctx, known)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: list orphaned alerts: %w", sweep, err))
	}
	for _, id := range orphans {
		devices = append(devices, &data.Device{ID: id})
	}

	now := s.now()
	for _, d := range devices {
		n, err := fn(ctx, d.ID, now.Add(-age(d)))
		if err != nil {
			s.logger.Warn("sweep failed for device", zap.String("sweep", sweep), zap.String("device_id", d.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: device %s: %w", sweep, d.ID, err))
			continue
		}
		if n == 0 {
			continue
		}
		metrics.AlertsSwept.WithLabelValues(sweep).Add(float64(n))
		s.record(ctx, d.ID, fmt.Sprintf(detail, n))
	}
	return errors.Join(errs...)
}

func (s *Service) record(ctx context.Context, deviceID, detail string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Write(ctx, audit.Entry{
		DeviceID:  deviceID,
		Component: audit.ComponentLifecycle,
		Detail:    detail,
		Status:    audit.StatusInfo,
	})
	if err != nil {
		s.logger.Error("lifecycle log write failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// ClearBackToNormal moves back-to-normal notices past the device's
// active-to-recent interval to Recent/Cleared.
func (s *Service) ClearBackToNormal(ctx context.Context) error {
	return s.perDevice(ctx, TaskClearBackToNormal, s.activeToRecent, s.alerts.ClearBackToNormal,
		"%d back-to-normal alert(s) cleared to Recent")
}

// ArchiveRecent moves Recent alerts past the device's recent-to-history
// interval to History.
func (s *Service) ArchiveRecent(ctx context.Context) error {
	return s.perDevice(ctx, TaskArchiveRecent, s.recentToHistory, s.alerts.ArchiveRecent,
		"%d recent alert(s) archived to History")
}

// ExpireStale force-moves Active alerts that outlived the stale threshold to
// Recent/Expired.
func (s *Service) ExpireStale(ctx context.Context) error {
	return s.perDevice(ctx, TaskExpireStale, s.staleAfter, s.alerts.ExpireStale,
		"%d stale active alert(s) expired to Recent")
}

// PurgeDeleted permanently removes alerts soft-deleted more than the grace
// period ago. Each device that lost alerts gets one log entry.
func (s *Service) PurgeDeleted(ctx context.Context) error {
	perDevice, err := s.alerts.PurgeDeleted(ctx, s.now().Add(-alerts.PurgeGrace))
	if err != nil {
		return fmt.Errorf("%s: %w", TaskPurgeDeleted, err)
	}
	ids := make([]string, 0, len(perDevice))
	for id := range perDevice {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var total int64
	for _, id := range ids {
		n := perDevice[id]
		total += n
		s.record(ctx, id, fmt.Sprintf("%d deleted alert(s) purged", n))
	}
	if total > 0 {
		metrics.AlertsSwept.WithLabelValues(TaskPurgeDeleted).Add(float64(total))
		s.logger.Info("purged deleted alerts", zap.Int64("count", total), zap.Int("devices", len(ids)))
	}
	return nil
}

// Tasks returns the four sweeps for the scheduler.
func (s *Service) Tasks(sched Schedule) []jobs.Task {
	def := DefaultSchedule()
	pick := func(v, fallback time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return fallback
	}
	return []jobs.Task{
		{Name: TaskClearBackToNormal, Interval: pick(sched.ClearBackToNormal, def.ClearBackToNormal), Run: s.ClearBackToNormal},
		{Name: TaskArchiveRecent, Interval: pick(sched.ArchiveRecent, def.ArchiveRecent), Run: s.ArchiveRecent},
		{Name: TaskPurgeDeleted, Interval: pick(sched.PurgeDeleted, def.PurgeDeleted), Run: s.PurgeDeleted},
		{Name: TaskExpireStale, Interval: pick(sched.ExpireStale, def.ExpireStale), Run: s.ExpireStale},
	}
}
