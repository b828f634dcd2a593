// Package liveness flips devices and sensors to Offline when they stop
// reporting.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/audit"
	"github.com/technosupport/aquawatch/internal/commands"
	"github.com/technosupport/aquawatch/internal/data"
	"github.com/technosupport/aquawatch/internal/jobs"
	"github.com/technosupport/aquawatch/internal/metrics"
)

const (
	TaskDevices = "liveness.devices"
	TaskSensors = "liveness.sensors"

	DefaultOfflineAfter = 60 * time.Second
)

type Config struct {
	DeviceInterval time.Duration
	SensorInterval time.Duration
	DeviceTimeout  time.Duration
	SensorTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		DeviceInterval: 30 * time.Second,
		SensorInterval: 60 * time.Second,
		DeviceTimeout:  DefaultOfflineAfter,
		SensorTimeout:  DefaultOfflineAfter,
	}
}

type Monitor struct {
	cfg     Config
	devices data.DeviceRepository
	audit   audit.Recorder
	events  commands.Broadcaster
	logger  *zap.Logger
	now     func() time.Time
}

func NewMonitor(cfg Config, devices data.DeviceRepository, rec audit.Recorder, events commands.Broadcaster, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.DeviceInterval <= 0 {
		cfg.DeviceInterval = def.DeviceInterval
	}
	if cfg.SensorInterval <= 0 {
		cfg.SensorInterval = def.SensorInterval
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = def.DeviceTimeout
	}
	if cfg.SensorTimeout <= 0 {
		cfg.SensorTimeout = def.SensorTimeout
	}
	if events == nil {
		events = commands.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:     cfg,
		devices: devices,
		audit:   rec,
		events:  events,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CheckDevices marks Online devices without recent contact Offline along
// with all of their sensors.
func (m *Monitor) CheckDevices(ctx context.Context) error {
	devices, err := m.devices.List(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	cutoff := m.now().Add(-m.cfg.DeviceTimeout)
	var errs []error
	for _, d := range devices {
		if d.State.Status != data.StatusOnline || d.State.LastContactAt == nil || !d.State.LastContactAt.Before(cutoff) {
			continue
		}
		changed, err := m.devices.MarkOffline(ctx, d.ID, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", d.ID, err))
			continue
		}
		if !changed {
			// Reported in since the list was taken.
			continue
		}

		d.State.Status = data.StatusOffline
		if d.State.Sensors == nil {
			d.State.Sensors = make(map[data.Parameter]data.SensorState)
		}
		if d.LatestReading.Values == nil {
			d.LatestReading.Values = make(map[data.Parameter]float64)
		}
		for _, p := range data.Parameters {
			st := d.State.Sensors[p]
			st.Status = data.StatusOffline
			d.State.Sensors[p] = st
			d.LatestReading.Values[p] = 0
		}

		metrics.DevicesMarkedOffline.Inc()
		m.logger.Warn("device offline", zap.String("device_id", d.ID), zap.Timep("last_contact_at", d.State.LastContactAt))
		m.record(ctx, d.ID, fmt.Sprintf("Device offline: no contact for over %s", m.cfg.DeviceTimeout))
		m.broadcast(ctx, d)
	}
	return errors.Join(errs...)
}

// CheckSensors marks stale sensors of Online devices Offline. A device that
// is itself Offline is left to CheckDevices.
func (m *Monitor) CheckSensors(ctx context.Context) error {
	devices, err := m.devices.List(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	cutoff := m.now().Add(-m.cfg.SensorTimeout)
	var errs []error
	for _, d := range devices {
		if d.State.Status != data.StatusOnline {
			continue
		}
		touched := false
		for _, p := range data.Parameters {
			st, ok := d.State.Sensors[p]
			if !ok || st.Status != data.StatusOnline || st.LastReadingAt == nil || !st.LastReadingAt.Before(cutoff) {
				continue
			}
			changed, err := m.devices.MarkSensorOffline(ctx, d.ID, p, cutoff)
			if err != nil {
				errs = append(errs, fmt.Errorf("device %s sensor %s: %w", d.ID, p, err))
				continue
			}
			if !changed {
				continue
			}
			st.Status = data.StatusOffline
			d.State.Sensors[p] = st
			if d.LatestReading.Values != nil {
				d.LatestReading.Values[p] = 0
			}
			touched = true

			metrics.SensorsMarkedOffline.WithLabelValues(string(p)).Inc()
			m.record(ctx, d.ID, fmt.Sprintf("%s sensor offline: no reading for over %s", p.Label(), m.cfg.SensorTimeout))
		}
		if touched {
			m.broadcast(ctx, d)
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) record(ctx context.Context, deviceID, detail string) {
	if m.audit == nil {
		return
	}
	err := m.audit.Write(ctx, audit.Entry{
		DeviceID:  deviceID,
		Component: audit.ComponentLiveness,
		Detail:    detail,
		Status:    audit.StatusWarning,
	})
	if err != nil {
		m.logger.Error("liveness log write failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

func (m *Monitor) broadcast(ctx context.Context, d *data.Device) {
	ev := commands.Event{Kind: commands.EventState, DeviceID: d.ID, Payload: d, At: m.now()}
	if err := m.events.Broadcast(ctx, ev); err != nil {
		m.logger.Warn("state broadcast failed", zap.String("device_id", d.ID), zap.Error(err))
	}
}

func (m *Monitor) Tasks() []jobs.Task {
	return []jobs.Task{
		{Name: TaskDevices, Interval: m.cfg.DeviceInterval, Run: m.CheckDevices},
		{Name: TaskSensors, Interval: m.cfg.SensorInterval, Run: m.CheckSensors},
	}
}
