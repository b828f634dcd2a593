// Package automation decides and applies automatic valve commands.
package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/audit"
	"github.com/technosupport/aquawatch/internal/commands"
	"github.com/technosupport/aquawatch/internal/data"
	"github.com/technosupport/aquawatch/internal/metrics"
)

type Service struct {
	devices data.DeviceRepository
	sender  commands.Sender
	audit   audit.Recorder
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(devices data.DeviceRepository, sender commands.Sender, rec audit.Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == nil {
		sender = commands.Nop{}
	}
	return &Service{
		devices: devices,
		sender:  sender,
		audit:   rec,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Apply persists and emits the decision. The device is updated in place so
// callers can broadcast the new state.
func (s *Service) Apply(ctx context.Context, d *data.Device, dec Decision) error {
	var pos data.ValvePosition
	switch dec.Action {
	case ActionClose:
		pos = data.ValveClosed
	case ActionOpen:
		pos = data.ValveOpen
	default:
		return nil
	}

	log := s.logger.With(zap.String("device_id", d.ID), zap.String("action", string(dec.Action)))

	if err := s.devices.SetValve(ctx, d.ID, pos); err != nil {
		s.record(ctx, d.ID, audit.StatusError, fmt.Sprintf("Failed to set valve %s: %v", pos, err))
		return fmt.Errorf("set valve %s: %w", pos, err)
	}
	d.State.Valve = pos
	d.Commands.Valve = pos
	metrics.ValveCommands.WithLabelValues(string(dec.Action)).Inc()

	now := s.now()
	if err := s.sender.Send(ctx, d.ID, commands.Command{Type: commands.TypeSetValve, Value: string(pos), IssuedAt: now}); err != nil {
		log.Warn("valve command not delivered", zap.Error(err))
	}

	if d.Config.Controls.PumpCycle.Configured() {
		if err := s.couplePump(ctx, d, dec.Action, now); err != nil {
			log.Warn("pump coupling failed", zap.Error(err))
		}
	}

	detail := describe(dec)
	s.record(ctx, d.ID, audit.StatusSuccess, detail)
	log.Info(detail, zap.Strings("causes", causeLabels(dec.Causes)))
	return nil
}

// couplePump pauses the pump cycle while the valve is shut and resumes it
// when the valve re-opens.
func (s *Service) couplePump(ctx context.Context, d *data.Device, action Action, now time.Time) error {
	var st data.PumpState
	var cmd commands.Command
	switch action {
	case ActionClose:
		st = data.PumpState{Phase: data.PumpPhasePaused, Paused: true, PausedAt: &now}
		cmd = commands.Command{Type: commands.TypeSetPump, Value: commands.PumpOff, Phase: data.PumpPhasePaused, IssuedAt: now}
	case ActionOpen:
		st = data.PumpState{Phase: data.PumpPhaseRunning, ResumeAt: &now}
		cmd = commands.Command{Type: commands.TypeSetPump, Value: commands.PumpOn, Phase: data.PumpPhaseRunning, ResumeTime: &now, IssuedAt: now}
	default:
		return nil
	}

	if err := s.devices.SetPumpState(ctx, d.ID, cmd.Value, st); err != nil {
		return fmt.Errorf("set pump state: %w", err)
	}
	d.State.Pump = st
	d.Commands.Pump = cmd.Value
	return s.sender.Send(ctx, d.ID, cmd)
}

func (s *Service) record(ctx context.Context, deviceID string, status audit.Status, detail string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Write(ctx, audit.Entry{
		DeviceID:  deviceID,
		Component: audit.ComponentAutomation,
		Detail:    detail,
		Status:    status,
	})
	if err != nil {
		s.logger.Error("automation log write failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

func causeLabels(ps []data.Parameter) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Label()
	}
	return out
}

func describe(dec Decision) string {
	if dec.Action == ActionClose {
		return "Valve closed automatically due to " + strings.Join(causeLabels(dec.Causes), ", ")
	}
	return "Valve re-opened automatically: readings within shut-off limits"
}
