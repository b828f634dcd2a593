package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/aquawatch/internal/alerts"
	"github.com/technosupport/aquawatch/internal/api"
	"github.com/technosupport/aquawatch/internal/audit"
	"github.com/technosupport/aquawatch/internal/automation"
	"github.com/technosupport/aquawatch/internal/commands"
	"github.com/technosupport/aquawatch/internal/data"
	"github.com/technosupport/aquawatch/internal/evaluator"
	"github.com/technosupport/aquawatch/internal/ingest"
	"github.com/technosupport/aquawatch/internal/mocks"
)

type stubIngester struct {
	out *ingest.Outcome
	err error
	got data.Reading
}

func (s *stubIngester) Ingest(_ context.Context, r data.Reading) (*ingest.Outcome, error) {
	s.got = r
	return s.out, s.err
}

type stubLogs struct {
	entries []audit.Entry
	filter  audit.Filter
}

func (s *stubLogs) Query(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.filter = f
	return s.entries, nil
}

type env struct {
	router  http.Handler
	ingest  *stubIngester
	alerts  *mocks.MemAlertRepo
	devices *mocks.MockDeviceRepo
	logs    *stubLogs
	rec     *mocks.Recorder
	hub     *api.Hub
	redis   *miniredis.Miniredis
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	e := &env{
		ingest:  &stubIngester{},
		alerts:  mocks.NewMemAlertRepo(),
		devices: new(mocks.MockDeviceRepo),
		logs:    &stubLogs{},
		rec:     &mocks.Recorder{},
		hub:     api.NewHub([]string{"*"}, nil),
		redis:   mr,
	}
	mgr := alerts.NewManager(e.alerts, alerts.WithUndoStore(alerts.NewRedisUndoBuffer(rdb, alerts.PurgeGrace)))
	h := &api.Handler{
		Readings: e.ingest,
		Alerts:   mgr,
		Devices:  e.devices,
		Logs:     e.logs,
		Audit:    e.rec,
		Events:   e.hub,
	}
	e.router = api.NewRouter(h, e.hub, api.RouterConfig{AllowedOrigins: []string{"*"}})
	return e
}

func (e *env) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rr := e.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPostReading(t *testing.T) {
	e := newEnv(t)
	e.ingest.out = &ingest.Outcome{Decision: automation.Decision{Action: automation.ActionNone}}

	rr := e.do(http.MethodPost, "/api/v1/readings", `{"deviceId":"dev-1","pH":7.2,"tds":300}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "dev-1", e.ingest.got.DeviceID)
	require.NotNil(t, e.ingest.got.PH)
	assert.Equal(t, 7.2, *e.ingest.got.PH)
	assert.Nil(t, e.ingest.got.Turbidity)
}

func TestPostReading_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{ingest.ErrMissingDeviceID, http.StatusBadRequest},
		{ingest.ErrUnknownDevice, http.StatusNotFound},
		{errors.Join(errors.New("reconcile pH: timeout")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		e := newEnv(t)
		e.ingest.err = tc.err
		rr := e.do(http.MethodPost, "/api/v1/readings", `{"deviceId":"dev-1","pH":7}`)
		assert.Equal(t, tc.code, rr.Code, tc.err.Error())
	}

	e := newEnv(t)
	rr := e.do(http.MethodPost, "/api/v1/readings", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func seed(e *env, lc data.Lifecycle, sev data.Severity) *data.Alert {
	a := &data.Alert{
		ID: uuid.New(), DeviceID: "dev-1", Originator: "Station A", Parameter: data.ParamPH,
		Type: "pH " + string(sev), Severity: sev, Lifecycle: lc, Status: data.AlertStatusActive,
		CreatedAt: time.Now().UTC(),
	}
	e.alerts.Put(a)
	return a
}

func TestListAlerts(t *testing.T) {
	e := newEnv(t)
	seed(e, data.LifecycleActive, data.SeverityCritical)
	seed(e, data.LifecycleRecent, data.SeverityWarning)

	rr := e.do(http.MethodGet, "/api/v1/alerts?lifecycle=Active", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Alerts []data.Alert `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Alerts, 1)
	assert.Equal(t, data.SeverityCritical, body.Alerts[0].Severity)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/alerts?lifecycle=Archived", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/alerts?deleted=maybe", "").Code)
}

func TestAcknowledgeAlert(t *testing.T) {
	e := newEnv(t)
	active := seed(e, data.LifecycleActive, data.SeverityWarning)
	recent := seed(e, data.LifecycleRecent, data.SeverityWarning)

	rr := e.do(http.MethodPost, "/api/v1/alerts/"+active.ID.String()+"/acknowledge", `{"user":"ops"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var a data.Alert
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &a))
	assert.True(t, a.Acknowledged)
	assert.Equal(t, "ops", a.AcknowledgedBy)

	rr = e.do(http.MethodPost, "/api/v1/alerts/"+recent.ID.String()+"/acknowledge", `{"user":"ops"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = e.do(http.MethodPost, "/api/v1/alerts/not-a-uuid/acknowledge", `{"user":"ops"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(http.MethodPost, "/api/v1/alerts/"+active.ID.String()+"/acknowledge", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeleteAndUndo(t *testing.T) {
	e := newEnv(t)
	a := seed(e, data.LifecycleHistory, data.SeverityCritical)
	live := seed(e, data.LifecycleActive, data.SeverityCritical)

	rr := e.do(http.MethodPost, "/api/v1/alerts/delete", `{"ids":["`+a.ID.String()+`","`+live.ID.String()+`"]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var batch alerts.DeleteBatch
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &batch))
	require.Len(t, batch.Alerts, 1)
	assert.Equal(t, a.ID, batch.Alerts[0].ID)

	rr = e.do(http.MethodGet, "/api/v1/alerts?deleted=true", "")
	assert.Contains(t, rr.Body.String(), a.ID.String())

	rr = e.do(http.MethodPost, "/api/v1/alerts/undo/"+batch.BatchID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"restored":1}`, rr.Body.String())

	rr = e.do(http.MethodPost, "/api/v1/alerts/undo/"+batch.BatchID, "")
	assert.Equal(t, http.StatusGone, rr.Code)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/v1/alerts/delete", `{"ids":[]}`).Code)
}

func TestRestoreAlerts(t *testing.T) {
	e := newEnv(t)
	gone := &data.Alert{
		ID: uuid.New(), DeviceID: "dev-1", Originator: "Station A", Parameter: data.ParamTDS,
		Severity: data.SeverityWarning, Lifecycle: data.LifecycleHistory, Status: data.AlertStatusResolved,
		CreatedAt: time.Now().UTC(),
	}
	body, _ := json.Marshal(map[string]any{"alerts": []*data.Alert{gone}})

	rr := e.do(http.MethodPost, "/api/v1/alerts/restore", string(body))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"restored":1}`, rr.Body.String())
	require.Len(t, e.alerts.All(), 1)

	live := *gone
	live.ID = uuid.New()
	live.Lifecycle = data.LifecycleActive
	body, _ = json.Marshal(map[string]any{"alerts": []*data.Alert{&live}})
	rr = e.do(http.MethodPost, "/api/v1/alerts/restore", string(body))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Len(t, e.alerts.All(), 1)
}

func TestSaveConfig_RejectsUnorderedThresholds(t *testing.T) {
	e := newEnv(t)
	rr := e.do(http.MethodPut, "/api/v1/devices/dev-1/configurations",
		`{"thresholds":{"pH":{"critLow":9,"warnLow":6.3,"normalLow":6.5,"normalHigh":8,"warnHigh":8.5,"critHigh":6}}}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "pH")
	e.devices.AssertNotCalled(t, "SaveConfig", mock.Anything, mock.Anything, mock.Anything)
}

func TestSaveConfig_Autocorrect(t *testing.T) {
	e := newEnv(t)
	e.devices.On("Get", mock.Anything, "dev-1").Return(&data.Device{ID: "dev-1"}, nil)
	e.devices.On("SaveConfig", mock.Anything, "dev-1", mock.MatchedBy(func(c data.DeviceConfig) bool {
		return evaluator.ValidateThresholds(c.Thresholds) == nil && c.Thresholds.PH.CritLow == 6
	})).Return(nil)

	rr := e.do(http.MethodPut, "/api/v1/devices/dev-1/configurations?autocorrect=true",
		`{"thresholds":{"pH":{"critLow":9,"warnLow":6.3,"normalLow":6.5,"normalHigh":8,"warnHigh":8.5,"critHigh":6}}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "reordered")

	entries := e.rec.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ComponentConfig, entries[0].Component)
	assert.Contains(t, entries[0].Detail, "corrections")
	e.devices.AssertExpectations(t)
}

func TestSaveConfig_RejectsInvertedShutOffLimits(t *testing.T) {
	e := newEnv(t)
	body := `{"controls":{"shutOff":{"enabled":true,"triggerPH":true,"phLow":9,"phHigh":6,"tdsCrit":1200}}}`

	rr := e.do(http.MethodPut, "/api/v1/devices/dev-1/configurations", body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "phLow")
	e.devices.AssertNotCalled(t, "SaveConfig", mock.Anything, mock.Anything, mock.Anything)

	e.devices.On("Get", mock.Anything, "dev-1").Return(&data.Device{ID: "dev-1"}, nil)
	e.devices.On("SaveConfig", mock.Anything, "dev-1", mock.MatchedBy(func(c data.DeviceConfig) bool {
		return c.Controls.ShutOff.PHLow == 6 && c.Controls.ShutOff.PHHigh == 9
	})).Return(nil)
	rr = e.do(http.MethodPut, "/api/v1/devices/dev-1/configurations?autocorrect=true", body)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "swapped")
	e.devices.AssertExpectations(t)
}

func TestSaveConfig_UnknownDevice(t *testing.T) {
	e := newEnv(t)
	e.devices.On("Get", mock.Anything, "ghost").Return(nil, data.ErrRecordNotFound)
	rr := e.do(http.MethodPut, "/api/v1/devices/ghost/configurations", `{}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetDevice(t *testing.T) {
	e := newEnv(t)
	e.devices.On("Get", mock.Anything, "dev-1").Return(&data.Device{ID: "dev-1", Label: "Station A"}, nil)
	rr := e.do(http.MethodGet, "/api/v1/devices/dev-1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Station A")
}

func TestDeviceLogs(t *testing.T) {
	e := newEnv(t)
	e.logs.entries = []audit.Entry{
		{ID: 9, DeviceID: "dev-1", Component: audit.ComponentAutomation, Detail: "Valve closed automatically due to TDS", Status: audit.StatusSuccess},
	}
	rr := e.do(http.MethodGet, "/api/v1/devices/dev-1/logs?component=automation&limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "dev-1", e.logs.filter.DeviceID)
	assert.Equal(t, "automation", e.logs.filter.Component)
	assert.Equal(t, 5, e.logs.filter.Limit)
	assert.Contains(t, rr.Body.String(), "Valve closed automatically due to TDS")

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/devices/dev-1/logs?before=x", "").Code)
}

func TestWebsocketStream(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?deviceId=dev-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return e.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, e.hub.Broadcast(ctx, commands.Event{Kind: commands.EventState, DeviceID: "dev-2"}))
	require.NoError(t, e.hub.Broadcast(ctx, commands.Event{Kind: commands.EventAlert, DeviceID: "dev-1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev commands.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "dev-1", ev.DeviceID)
	assert.Equal(t, commands.EventAlert, ev.Kind)

	conn.Close()
	require.Eventually(t, func() bool { return e.hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
