package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/aquawatch/internal/audit"
	"github.com/technosupport/aquawatch/internal/data"
	"github.com/technosupport/aquawatch/internal/jobs"
	"github.com/technosupport/aquawatch/internal/mocks"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, devices ...*data.Device) (*Service, *mocks.MemAlertRepo, *mocks.Recorder) {
	t.Helper()
	devRepo := new(mocks.MockDeviceRepo)
	devRepo.On("List", mock.Anything).Return(devices, nil)
	repo := mocks.NewMemAlertRepo()
	rec := &mocks.Recorder{}
	svc := NewService(devRepo, repo, rec, Defaults{}, nil)
	svc.now = func() time.Time { return now }
	return svc, repo, rec
}

func put(repo *mocks.MemAlertRepo, deviceID string, lc data.Lifecycle, btn bool, age time.Duration) *data.Alert {
	a := &data.Alert{
		ID: uuid.New(), DeviceID: deviceID, Originator: deviceID, Parameter: data.ParamPH,
		Severity: data.SeverityCritical, Lifecycle: lc, Status: data.AlertStatusActive,
		IsBackToNormal: btn, CreatedAt: now.Add(-age),
	}
	if lc != data.LifecycleActive {
		a.Status = data.AlertStatusResolved
	}
	repo.Put(a)
	return a
}

func get(t *testing.T, repo *mocks.MemAlertRepo, id uuid.UUID) *data.Alert {
	t.Helper()
	a, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestClearBackToNormal(t *testing.T) {
	svc, repo, rec := setup(t, &data.Device{ID: "dev-1"})
	old := put(repo, "dev-1", data.LifecycleActive, true, 45*time.Second)
	fresh := put(repo, "dev-1", data.LifecycleActive, true, 10*time.Second)
	live := put(repo, "dev-1", data.LifecycleActive, false, time.Hour)

	require.NoError(t, svc.ClearBackToNormal(context.Background()))

	got := get(t, repo, old.ID)
	assert.Equal(t, data.LifecycleRecent, got.Lifecycle)
	assert.Equal(t, data.AlertStatusCleared, got.Status)
	assert.Equal(t, data.LifecycleActive, get(t, repo, fresh.ID).Lifecycle)
	assert.Equal(t, data.LifecycleActive, get(t, repo, live.ID).Lifecycle)

	entries := rec.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ComponentLifecycle, entries[0].Component)
	assert.Equal(t, "dev-1", entries[0].DeviceID)
}

func TestClearBackToNormal_DeviceInterval(t *testing.T) {
	d := &data.Device{ID: "dev-1"}
	d.Config.Alerts.ActiveToRecentSeconds = 120
	svc, repo, _ := setup(t, d)
	a := put(repo, "dev-1", data.LifecycleActive, true, 90*time.Second)

	require.NoError(t, svc.ClearBackToNormal(context.Background()))
	assert.Equal(t, data.LifecycleActive, get(t, repo, a.ID).Lifecycle)
}

func TestArchiveRecent(t *testing.T) {
	svc, repo, _ := setup(t, &data.Device{ID: "dev-1"})
	old := put(repo, "dev-1", data.LifecycleRecent, false, 61*time.Minute)
	fresh := put(repo, "dev-1", data.LifecycleRecent, false, 5*time.Minute)

	require.NoError(t, svc.ArchiveRecent(context.Background()))

	got := get(t, repo, old.ID)
	assert.Equal(t, data.LifecycleHistory, got.Lifecycle)
	assert.Equal(t, data.AlertStatusResolved, got.Status)
	assert.Equal(t, data.LifecycleRecent, get(t, repo, fresh.ID).Lifecycle)
}

func TestExpireStale(t *testing.T) {
	svc, repo, _ := setup(t, &data.Device{ID: "dev-1"})
	stale := put(repo, "dev-1", data.LifecycleActive, false, 11*time.Minute)
	fresh := put(repo, "dev-1", data.LifecycleActive, false, 2*time.Minute)

	require.NoError(t, svc.ExpireStale(context.Background()))

	got := get(t, repo, stale.ID)
	assert.Equal(t, data.LifecycleRecent, got.Lifecycle)
	assert.Equal(t, data.AlertStatusExpired, got.Status)
	assert.True(t, got.IsBackToNormal)
	assert.Equal(t, data.LifecycleActive, get(t, repo, fresh.ID).Lifecycle)
}

func TestExpireStale_Idempotent(t *testing.T) {
	svc, repo, rec := setup(t, &data.Device{ID: "dev-1"})
	put(repo, "dev-1", data.LifecycleActive, false, 20*time.Minute)
	put(repo, "dev-1", data.LifecycleActive, false, 30*time.Minute)

	require.NoError(t, svc.ExpireStale(context.Background()))
	first := repo.All()
	require.NoError(t, svc.ExpireStale(context.Background()))

	assert.Equal(t, first, repo.All())
	assert.Len(t, rec.Snapshot(), 1)
}

func TestSetStaleAfter(t *testing.T) {
	svc, repo, _ := setup(t, &data.Device{ID: "dev-1"})
	a := put(repo, "dev-1", data.LifecycleActive, false, 4*time.Minute)

	svc.SetStaleAfter(3 * time.Minute)
	require.NoError(t, svc.ExpireStale(context.Background()))
	assert.Equal(t, data.AlertStatusExpired, get(t, repo, a.ID).Status)

	svc.SetStaleAfter(0)
	assert.Equal(t, 3*time.Minute, svc.intervals().StaleActive)
}

func TestPurgeDeleted(t *testing.T) {
	svc, repo, rec := setup(t)
	expired := put(repo, "dev-1", data.LifecycleHistory, false, time.Hour)
	recent := put(repo, "dev-1", data.LifecycleHistory, false, time.Hour)
	other := put(repo, "dev-2", data.LifecycleHistory, false, time.Hour)
	otherToo := put(repo, "dev-2", data.LifecycleRecent, false, time.Hour)

	ctx := context.Background()
	_, err := repo.SoftDelete(ctx, []uuid.UUID{expired.ID, other.ID, otherToo.ID}, now.Add(-6*time.Minute))
	require.NoError(t, err)
	_, err = repo.SoftDelete(ctx, []uuid.UUID{recent.ID}, now.Add(-time.Minute))
	require.NoError(t, err)

	require.NoError(t, svc.PurgeDeleted(ctx))

	_, err = repo.Get(ctx, expired.ID)
	assert.ErrorIs(t, err, data.ErrRecordNotFound)
	_, err = repo.Get(ctx, other.ID)
	assert.ErrorIs(t, err, data.ErrRecordNotFound)
	still := get(t, repo, recent.ID)
	assert.True(t, still.IsDeleted)

	entries := rec.Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, "dev-1", entries[0].DeviceID)
	assert.Equal(t, audit.ComponentLifecycle, entries[0].Component)
	assert.Equal(t, "1 deleted alert(s) purged", entries[0].Detail)
	assert.Equal(t, "dev-2", entries[1].DeviceID)
	assert.Equal(t, "2 deleted alert(s) purged", entries[1].Detail)

	require.NoError(t, svc.PurgeDeleted(ctx))
	assert.Len(t, rec.Snapshot(), 2)
}

func TestSweep_CoversDeprovisionedDevices(t *testing.T) {
	svc, repo, rec := setup(t, &data.Device{ID: "dev-1"})
	stale := put(repo, "dev-gone", data.LifecycleActive, false, 11*time.Minute)
	notice := put(repo, "dev-gone", data.LifecycleActive, true, 45*time.Second)
	recent := put(repo, "dev-gone", data.LifecycleRecent, false, 61*time.Minute)
	fresh := put(repo, "dev-gone", data.LifecycleActive, false, 2*time.Minute)

	ctx := context.Background()
	require.NoError(t, svc.ArchiveRecent(ctx))
	require.NoError(t, svc.ClearBackToNormal(ctx))
	require.NoError(t, svc.ExpireStale(ctx))

	assert.Equal(t, data.LifecycleHistory, get(t, repo, recent.ID).Lifecycle)
	assert.Equal(t, data.AlertStatusCleared, get(t, repo, notice.ID).Status)
	assert.Equal(t, data.AlertStatusExpired, get(t, repo, stale.ID).Status)
	assert.Equal(t, data.LifecycleActive, get(t, repo, fresh.ID).Lifecycle)

	entries := rec.Snapshot()
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, "dev-gone", e.DeviceID)
	}
}

func TestSweep_DeviceFailureDoesNotStopOthers(t *testing.T) {
	svc, repo, _ := setup(t, &data.Device{ID: "dev-bad"}, &data.Device{ID: "dev-ok"})
	repo.FailDevices["dev-bad"] = errors.New("timeout")
	ok := put(repo, "dev-ok", data.LifecycleActive, false, time.Hour)

	err := svc.ExpireStale(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dev-bad")
	assert.Equal(t, data.AlertStatusExpired, get(t, repo, ok.ID).Status)
}

func TestSweep_ListFailure(t *testing.T) {
	devRepo := new(mocks.MockDeviceRepo)
	devRepo.On("List", mock.Anything).Return(nil, errors.New("db down"))
	svc := NewService(devRepo, mocks.NewMemAlertRepo(), nil, Defaults{}, nil)

	assert.Error(t, svc.ArchiveRecent(context.Background()))
}

func TestTasks_RegisterWithScheduler(t *testing.T) {
	svc, repo, _ := setup(t, &data.Device{ID: "dev-1"})
	a := put(repo, "dev-1", data.LifecycleActive, true, time.Hour)

	s := jobs.NewScheduler(jobs.Config{Retry: jobs.RetryPolicy{Attempts: 2, Delay: time.Millisecond}})
	require.NoError(t, s.Add(svc.Tasks(Schedule{})...))
	assert.Equal(t, []string{TaskClearBackToNormal, TaskArchiveRecent, TaskPurgeDeleted, TaskExpireStale}, s.Tasks())

	require.NoError(t, s.RunNow(context.Background(), TaskClearBackToNormal))
	assert.Equal(t, data.AlertStatusCleared, get(t, repo, a.ID).Status)
}
