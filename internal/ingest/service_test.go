package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/aquawatch/internal/alerts"
	"github.com/technosupport/aquawatch/internal/automation"
	"github.com/technosupport/aquawatch/internal/commands"
	"github.com/technosupport/aquawatch/internal/data"
	"github.com/technosupport/aquawatch/internal/evaluator"
	"github.com/technosupport/aquawatch/internal/mocks"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func station() *data.Device {
	cfg := evaluator.DefaultConfig()
	cfg.Controls.ShutOff.Enabled = true
	cfg.Controls.ShutOff.TriggerTDS = true
	return &data.Device{
		ID:     "dev-1",
		Label:  "Station A",
		Config: cfg,
		State: data.CurrentState{
			Status:  data.StatusOnline,
			Valve:   data.ValveOpen,
			Sensors: map[data.Parameter]data.SensorState{
				data.ParamPH: {Status: data.StatusOnline},
			},
		},
		LatestReading: data.LatestReading{Values: map[data.Parameter]float64{data.ParamPH: 7.2}},
	}
}

type fixture struct {
	svc     *Service
	devices *mocks.MockDeviceRepo
	alerts  *mocks.MemAlertRepo
	channel *mocks.Channel
	rec     *mocks.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		devices: new(mocks.MockDeviceRepo),
		alerts:  mocks.NewMemAlertRepo(),
		channel: &mocks.Channel{},
		rec:     &mocks.Recorder{},
	}
	clock := func() time.Time { return now }
	mgr := alerts.NewManager(fx.alerts, alerts.WithBroadcaster(fx.channel), alerts.WithClock(clock))
	auto := automation.NewService(fx.devices, fx.channel, fx.rec, nil)
	dedup := NewDedup(16, time.Minute)
	dedup.now = clock
	fx.svc = NewService(fx.devices, mgr, auto, fx.channel, dedup, nil)
	fx.svc.now = clock
	return fx
}

func TestIngest_MissingDeviceID(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.Ingest(context.Background(), data.Reading{PH: f(7)})
	assert.ErrorIs(t, err, ErrMissingDeviceID)
	fx.devices.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestIngest_UnknownDevice(t *testing.T) {
	fx := newFixture(t)
	fx.devices.On("Get", mock.Anything, "ghost").Return(nil, data.ErrRecordNotFound)

	_, err := fx.svc.Ingest(context.Background(), data.Reading{DeviceID: "ghost", PH: f(7)})
	assert.ErrorIs(t, err, ErrUnknownDevice)
	fx.devices.AssertNotCalled(t, "RecordReading", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, fx.alerts.All())
}

func TestIngest_TDSBreachClosesValve(t *testing.T) {
	fx := newFixture(t)
	d := station()
	updated := station()
	updated.LatestReading.Values[data.ParamTDS] = 1500

	fx.devices.On("Get", mock.Anything, "dev-1").Return(d, nil)
	fx.devices.On("RecordReading", mock.Anything, mock.Anything, now).Return(updated, nil)
	fx.devices.On("SetValve", mock.Anything, "dev-1", data.ValveClosed).Return(nil)

	out, err := fx.svc.Ingest(context.Background(), data.Reading{DeviceID: "dev-1", Timestamp: now, TDS: f(1500)})
	require.NoError(t, err)

	assert.Equal(t, alerts.ActionCreated, out.Alerts[data.ParamTDS])
	assert.Equal(t, automation.ActionClose, out.Decision.Action)
	assert.Equal(t, []data.Parameter{data.ParamTDS}, out.Decision.Causes)
	assert.Equal(t, data.ValveClosed, out.Device.State.Valve)

	stored := fx.alerts.All()
	require.Len(t, stored, 1)
	assert.Equal(t, data.SeverityCritical, stored[0].Severity)
	assert.Equal(t, evaluator.NoteValveShutOff, stored[0].Note)
	assert.Equal(t, "Station A", stored[0].Originator)

	require.Len(t, fx.channel.Commands, 1)
	assert.Equal(t, commands.TypeSetValve, fx.channel.Commands[0].Command.Type)
	assert.Equal(t, string(data.ValveClosed), fx.channel.Commands[0].Command.Value)
	assert.Len(t, fx.channel.EventsOf(commands.EventAlert), 1)
	assert.Len(t, fx.channel.EventsOf(commands.EventState), 1)
	fx.devices.AssertExpectations(t)
}

func TestIngest_DefaultsTimestampAndDropsDuplicates(t *testing.T) {
	fx := newFixture(t)
	d := station()
	fx.devices.On("Get", mock.Anything, "dev-1").Return(d, nil)
	fx.devices.On("RecordReading", mock.Anything, mock.MatchedBy(func(r data.Reading) bool {
		return r.Timestamp.Equal(now)
	}), now).Return(station(), nil).Once()

	r := data.Reading{DeviceID: "dev-1", PH: f(7.1)}
	out, err := fx.svc.Ingest(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)

	out, err = fx.svc.Ingest(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	fx.devices.AssertNumberOfCalls(t, "RecordReading", 1)
}

func TestIngest_RecordFailureAllowsRetry(t *testing.T) {
	fx := newFixture(t)
	fx.devices.On("Get", mock.Anything, "dev-1").Return(station(), nil)
	fx.devices.On("RecordReading", mock.Anything, mock.Anything, now).Return(nil, errors.New("conn reset")).Once()
	fx.devices.On("RecordReading", mock.Anything, mock.Anything, now).Return(station(), nil).Once()

	r := data.Reading{DeviceID: "dev-1", Timestamp: now, PH: f(7.1)}
	_, err := fx.svc.Ingest(context.Background(), r)
	require.Error(t, err)

	out, err := fx.svc.Ingest(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
}

// offlinePH returns a device whose pH sensor was marked Offline by the
// liveness monitor, leaving a zeroed stored value behind.
func offlinePH() *data.Device {
	d := station()
	d.Config.Controls.ShutOff.TriggerPH = true
	d.State.Sensors[data.ParamPH] = data.SensorState{Status: data.StatusOffline}
	d.LatestReading.Values[data.ParamPH] = 0
	return d
}

func TestIngest_OfflineSensorDoesNotCloseValve(t *testing.T) {
	fx := newFixture(t)
	fx.devices.On("Get", mock.Anything, "dev-1").Return(offlinePH(), nil)
	fx.devices.On("RecordReading", mock.Anything, mock.Anything, now).Return(offlinePH(), nil)

	out, err := fx.svc.Ingest(context.Background(), data.Reading{DeviceID: "dev-1", Timestamp: now, TDS: f(300)})
	require.NoError(t, err)

	assert.Equal(t, automation.ActionNone, out.Decision.Action)
	assert.Empty(t, out.Decision.Causes)
	assert.Empty(t, fx.channel.Commands)
	fx.devices.AssertNotCalled(t, "SetValve", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngest_OfflineSensorDoesNotBlockReopen(t *testing.T) {
	fx := newFixture(t)
	closed := func() *data.Device {
		d := offlinePH()
		d.State.Valve = data.ValveClosed
		d.Config.Controls.ReOpen = data.ReOpen{Enabled: true, TriggerPH: true, TriggerTDS: true}
		return d
	}
	fx.devices.On("Get", mock.Anything, "dev-1").Return(closed(), nil)
	fx.devices.On("RecordReading", mock.Anything, mock.Anything, now).Return(closed(), nil)
	fx.devices.On("SetValve", mock.Anything, "dev-1", data.ValveOpen).Return(nil)

	out, err := fx.svc.Ingest(context.Background(), data.Reading{DeviceID: "dev-1", Timestamp: now, TDS: f(300)})
	require.NoError(t, err)

	assert.Equal(t, automation.ActionOpen, out.Decision.Action)
	assert.Equal(t, data.ValveOpen, out.Device.State.Valve)
	require.Len(t, fx.channel.Commands, 1)
	assert.Equal(t, string(data.ValveOpen), fx.channel.Commands[0].Command.Value)
	fx.devices.AssertExpectations(t)
}

type flakyReconciler struct {
	fail data.Parameter
	seen []data.Parameter
}

func (r *flakyReconciler) Reconcile(_ context.Context, _, _ string, res evaluator.Result) (alerts.Action, error) {
	r.seen = append(r.seen, res.Parameter)
	if res.Parameter == r.fail {
		return alerts.ActionNone, errors.New("db timeout")
	}
	return alerts.ActionNone, nil
}

func TestIngest_ReconcileFailureDoesNotStopPipeline(t *testing.T) {
	fx := newFixture(t)
	rec := &flakyReconciler{fail: data.ParamPH}
	fx.svc.alerts = rec

	updated := station()
	fx.devices.On("Get", mock.Anything, "dev-1").Return(station(), nil)
	fx.devices.On("RecordReading", mock.Anything, mock.Anything, now).Return(updated, nil)
	fx.devices.On("SetValve", mock.Anything, "dev-1", data.ValveClosed).Return(nil)

	out, err := fx.svc.Ingest(context.Background(), data.Reading{DeviceID: "dev-1", Timestamp: now, PH: f(7), TDS: f(1300)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile pH")
	require.NotNil(t, out)
	assert.Equal(t, []data.Parameter{data.ParamPH, data.ParamTDS}, rec.seen)
	assert.Equal(t, automation.ActionClose, out.Decision.Action)
	assert.Len(t, fx.channel.EventsOf(commands.EventState), 1)
}

func TestDedup_Expires(t *testing.T) {
	d := NewDedup(2, time.Minute)
	clock := now
	d.now = func() time.Time { return clock }

	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))
	clock = clock.Add(2 * time.Minute)
	assert.False(t, d.Seen("a"))
}
