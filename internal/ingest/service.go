// Package ingest runs a sensor reading through persistence, alerting and
// valve automation.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/alerts"
	"github.com/technosupport/aquawatch/internal/automation"
	"github.com/technosupport/aquawatch/internal/commands"
	"github.com/technosupport/aquawatch/internal/data"
	"github.com/technosupport/aquawatch/internal/evaluator"
	"github.com/technosupport/aquawatch/internal/metrics"
)

var (
	ErrMissingDeviceID = errors.New("deviceId is required")
	ErrUnknownDevice   = errors.New("unknown device")
)

type Reconciler interface {
	Reconcile(ctx context.Context, deviceID, originator string, res evaluator.Result) (alerts.Action, error)
}

type Applier interface {
	Apply(ctx context.Context, d *data.Device, dec automation.Decision) error
}

// Outcome summarizes what one reading did.
type Outcome struct {
	Duplicate bool                             `json:"duplicate,omitempty"`
	Device    *data.Device                     `json:"device,omitempty"`
	Results   []evaluator.Result               `json:"results,omitempty"`
	Alerts    map[data.Parameter]alerts.Action `json:"alerts,omitempty"`
	Decision  automation.Decision              `json:"decision"`
}

type Service struct {
	devices data.DeviceRepository
	alerts  Reconciler
	auto    Applier
	events  commands.Broadcaster
	dedup   *Dedup
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(devices data.DeviceRepository, rec Reconciler, auto Applier, events commands.Broadcaster, dedup *Dedup, logger *zap.Logger) *Service {
	if events == nil {
		events = commands.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		devices: devices,
		alerts:  rec,
		auto:    auto,
		events:  events,
		dedup:   dedup,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ingest processes one reading. Alert and automation failures do not stop
// the remaining steps; they are returned joined together with the outcome.
func (s *Service) Ingest(ctx context.Context, r data.Reading) (*Outcome, error) {
	if r.DeviceID == "" {
		metrics.ReadingsIngested.WithLabelValues("rejected").Inc()
		return nil, ErrMissingDeviceID
	}

	if _, err := s.devices.Get(ctx, r.DeviceID); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			metrics.ReadingsIngested.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, r.DeviceID)
		}
		metrics.ReadingsIngested.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load device: %w", err)
	}

	now := s.now()
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}

	key := dedupKey(r.DeviceID, r.Timestamp)
	if s.dedup != nil && s.dedup.Seen(key) {
		metrics.ReadingsIngested.WithLabelValues("duplicate").Inc()
		return &Outcome{Duplicate: true, Decision: automation.Decision{Action: automation.ActionNone}}, nil
	}

	d, err := s.devices.RecordReading(ctx, r, now)
	if err != nil {
		if s.dedup != nil {
			s.dedup.Forget(key)
		}
		metrics.ReadingsIngested.WithLabelValues("error").Inc()
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, r.DeviceID)
		}
		return nil, fmt.Errorf("record reading: %w", err)
	}

	log := s.logger.With(zap.String("device_id", d.ID))
	out := &Outcome{Device: d, Alerts: make(map[data.Parameter]alerts.Action)}
	var errs []error

	for _, p := range r.Present() {
		v, _ := r.Value(p)
		res := evaluator.Evaluate(p, v, &d.Config)
		out.Results = append(out.Results, res)

		action, err := s.alerts.Reconcile(ctx, d.ID, d.Originator(), res)
		if err != nil {
			log.Error("alert reconcile failed", zap.String("parameter", string(p)), zap.Error(err))
			errs = append(errs, fmt.Errorf("reconcile %s: %w", p, err))
			continue
		}
		out.Alerts[p] = action
	}

	out.Decision = automation.Decide(r.Merge(d.LatestReading, d.State.Sensors), d)
	if out.Decision.Action != automation.ActionNone {
		if err := s.auto.Apply(ctx, d, out.Decision); err != nil {
			log.Error("automation failed", zap.String("action", string(out.Decision.Action)), zap.Error(err))
			errs = append(errs, fmt.Errorf("automation: %w", err))
		}
	}

	ev := commands.Event{Kind: commands.EventState, DeviceID: d.ID, Payload: d, At: now}
	if err := s.events.Broadcast(ctx, ev); err != nil {
		log.Warn("state broadcast failed", zap.Error(err))
	}

	if len(errs) > 0 {
		metrics.ReadingsIngested.WithLabelValues("partial").Inc()
		return out, errors.Join(errs...)
	}
	metrics.ReadingsIngested.WithLabelValues("ok").Inc()
	return out, nil
}
