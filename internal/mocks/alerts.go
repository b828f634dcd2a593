package mocks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/aquawatch/internal/data"
)

// ErrUniqueViolation mirrors the partial unique indexes on alerts.
var ErrUniqueViolation = errors.New("duplicate key value violates unique constraint")

// MemAlertRepo is an in-memory data.AlertRepository with the same
// compare-and-swap and uniqueness rules as the SQL model.
type MemAlertRepo struct {
	mu     sync.Mutex
	alerts map[uuid.UUID]*data.Alert
	// FailDevices makes sweeps fail for the listed devices.
	FailDevices map[string]error
}

func NewMemAlertRepo() *MemAlertRepo {
	return &MemAlertRepo{alerts: make(map[uuid.UUID]*data.Alert), FailDevices: make(map[string]error)}
}

func clone(a *data.Alert) *data.Alert {
	cp := *a
	return &cp
}

// Put stores a copy of a verbatim, bypassing constraints.
func (r *MemAlertRepo) Put(a *data.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	r.alerts[a.ID] = clone(a)
}

// All returns every stored alert ordered by creation time.
func (r *MemAlertRepo) All() []*data.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(*data.Alert) bool { return true })
}

func (r *MemAlertRepo) sorted(keep func(*data.Alert) bool) []*data.Alert {
	var out []*data.Alert
	for _, a := range r.alerts {
		if keep(a) {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *MemAlertRepo) conflicts(a *data.Alert) bool {
	if a.Lifecycle != data.LifecycleActive || a.IsDeleted {
		return false
	}
	for _, x := range r.alerts {
		if x.ID != a.ID && x.Originator == a.Originator && x.Parameter == a.Parameter &&
			x.Lifecycle == data.LifecycleActive && !x.IsDeleted && x.IsBackToNormal == a.IsBackToNormal {
			return true
		}
	}
	return false
}

func prepare(a *data.Alert) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt
}

func (r *MemAlertRepo) Get(_ context.Context, id uuid.UUID) (*data.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	return clone(a), nil
}

func (r *MemAlertRepo) ListActive(_ context.Context, originator string, p data.Parameter) ([]*data.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(a *data.Alert) bool {
		return a.Originator == originator && a.Parameter == p && a.Lifecycle == data.LifecycleActive && !a.IsDeleted
	}), nil
}

func (r *MemAlertRepo) Create(_ context.Context, a *data.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prepare(a)
	if r.conflicts(a) {
		return ErrUniqueViolation
	}
	r.alerts[a.ID] = clone(a)
	return nil
}

func (r *MemAlertRepo) CreateBackToNormal(_ context.Context, a *data.Alert) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prepare(a)
	if r.conflicts(a) {
		return false, nil
	}
	r.alerts[a.ID] = clone(a)
	return true, nil
}

func (r *MemAlertRepo) Transition(_ context.Context, id uuid.UUID, from, to data.Lifecycle, status data.AlertStatus, markBackToNormal bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	if !ok || a.Lifecycle != from {
		return false, nil
	}
	a.Lifecycle = to
	a.Status = status
	a.IsBackToNormal = a.IsBackToNormal || markBackToNormal
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MemAlertRepo) Acknowledge(_ context.Context, id uuid.UUID, user string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	if !ok || a.Lifecycle != data.LifecycleActive || a.IsDeleted {
		return data.ErrRecordNotFound
	}
	a.Acknowledged = true
	a.AcknowledgedBy = user
	t := at
	a.AcknowledgedAt = &t
	return nil
}

func (r *MemAlertRepo) SoftDelete(_ context.Context, ids []uuid.UUID, at time.Time) ([]*data.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*data.Alert
	for _, id := range ids {
		a, ok := r.alerts[id]
		if !ok || a.Lifecycle == data.LifecycleActive || a.IsDeleted {
			continue
		}
		t := at
		a.IsDeleted = true
		a.DeletedAt = &t
		out = append(out, clone(a))
	}
	return out, nil
}

func (r *MemAlertRepo) Restore(_ context.Context, alerts []*data.Alert) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, in := range alerts {
		if a, ok := r.alerts[in.ID]; ok {
			if !a.IsDeleted {
				continue
			}
			a.IsDeleted = false
			a.DeletedAt = nil
			n++
			continue
		}
		cp := clone(in)
		cp.IsDeleted = false
		cp.DeletedAt = nil
		r.alerts[cp.ID] = cp
		n++
	}
	return n, nil
}

func (r *MemAlertRepo) Query(_ context.Context, f data.AlertFilter) ([]*data.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := f.Deleted != nil && *f.Deleted
	out := r.sorted(func(a *data.Alert) bool {
		return (f.Lifecycle == "" || a.Lifecycle == f.Lifecycle) &&
			(f.Severity == "" || a.Severity == f.Severity) &&
			(f.Originator == "" || a.Originator == f.Originator) &&
			(f.DeviceID == "" || a.DeviceID == f.DeviceID) &&
			a.IsDeleted == deleted
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemAlertRepo) sweep(deviceID string, match func(*data.Alert) bool, apply func(*data.Alert)) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.FailDevices[deviceID]; err != nil {
		return 0, err
	}
	var n int64
	for _, a := range r.alerts {
		if a.DeviceID == deviceID && !a.IsDeleted && match(a) {
			apply(a)
			n++
		}
	}
	return n, nil
}

func (r *MemAlertRepo) ClearBackToNormal(_ context.Context, deviceID string, olderThan time.Time) (int64, error) {
	return r.sweep(deviceID, func(a *data.Alert) bool {
		return a.Lifecycle == data.LifecycleActive && a.IsBackToNormal && a.CreatedAt.Before(olderThan)
	}, func(a *data.Alert) {
		a.Lifecycle = data.LifecycleRecent
		a.Status = data.AlertStatusCleared
	})
}

func (r *MemAlertRepo) ArchiveRecent(_ context.Context, deviceID string, olderThan time.Time) (int64, error) {
	return r.sweep(deviceID, func(a *data.Alert) bool {
		return a.Lifecycle == data.LifecycleRecent && a.CreatedAt.Before(olderThan)
	}, func(a *data.Alert) {
		a.Lifecycle = data.LifecycleHistory
	})
}

func (r *MemAlertRepo) ExpireStale(_ context.Context, deviceID string, olderThan time.Time) (int64, error) {
	return r.sweep(deviceID, func(a *data.Alert) bool {
		return a.Lifecycle == data.LifecycleActive && !a.IsBackToNormal && a.CreatedAt.Before(olderThan)
	}, func(a *data.Alert) {
		a.Lifecycle = data.LifecycleRecent
		a.Status = data.AlertStatusExpired
		a.IsBackToNormal = true
	})
}

func (r *MemAlertRepo) PurgeDeleted(_ context.Context, before time.Time) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	perDevice := make(map[string]int64)
	for id, a := range r.alerts {
		if a.IsDeleted && a.DeletedAt != nil && a.DeletedAt.Before(before) {
			delete(r.alerts, id)
			perDevice[a.DeviceID]++
		}
	}
	return perDevice, nil
}

func (r *MemAlertRepo) OrphanDeviceIDs(_ context.Context, known []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	skip := make(map[string]bool, len(known))
	for _, id := range known {
		skip[id] = true
	}
	seen := make(map[string]bool)
	var ids []string
	for _, a := range r.alerts {
		if a.IsDeleted || a.Lifecycle == data.LifecycleHistory || skip[a.DeviceID] || seen[a.DeviceID] {
			continue
		}
		seen[a.DeviceID] = true
		ids = append(ids, a.DeviceID)
	}
	sort.Strings(ids)
	return ids, nil
}
