package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type DeviceModel struct {
	DB DBTX
}

const deviceColumns = `id, label, location, status, last_contact_at, valve, commanded_valve, pump_command, pump_state, config, reading_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var lastContact, readingAt pq.NullTime
	var commandedValve, pumpCommand sql.NullString
	var pumpRaw, cfgRaw []byte

	if err := row.Scan(
		&d.ID, &d.Label, &d.Location, &d.State.Status, &lastContact, &d.State.Valve,
		&commandedValve, &pumpCommand, &pumpRaw, &cfgRaw, &readingAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastContact.Valid {
		t := lastContact.Time
		d.State.LastContactAt = &t
	}
	if readingAt.Valid {
		t := readingAt.Time
		d.LatestReading.Timestamp = &t
	}
	d.Commands.Valve = ValvePosition(commandedValve.String)
	d.Commands.Pump = pumpCommand.String
	if len(pumpRaw) > 0 {
		if err := json.Unmarshal(pumpRaw, &d.State.Pump); err != nil {
			return nil, fmt.Errorf("decode pump state: %w", err)
		}
	}
	if len(cfgRaw) > 0 {
		if err := json.Unmarshal(cfgRaw, &d.Config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	d.State.Sensors = make(map[Parameter]SensorState)
	d.LatestReading.Values = make(map[Parameter]float64)
	return &d, nil
}

func (m *DeviceModel) Get(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	d, err := scanDevice(m.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := m.loadSensors(ctx, map[string]*Device{d.ID: d}, id); err != nil {
		return nil, err
	}
	return d, nil
}

func (m *DeviceModel) List(ctx context.Context) ([]*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY id`
	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	byID := make(map[string]*Device)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
		byID[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return devices, nil
	}
	if err := m.loadSensors(ctx, byID, ""); err != nil {
		return nil, err
	}
	return devices, nil
}

// loadSensors fills sensor state and latest values. An empty deviceID loads
// every sensor row.
func (m *DeviceModel) loadSensors(ctx context.Context, byID map[string]*Device, deviceID string) error {
	query := `SELECT device_id, parameter, status, value, last_reading_at FROM device_sensors`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = $1`
		args = append(args, deviceID)
	}
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var devID string
		var p Parameter
		var st SensorState
		var value float64
		var last pq.NullTime
		if err := rows.Scan(&devID, &p, &st.Status, &value, &last); err != nil {
			return err
		}
		d, ok := byID[devID]
		if !ok {
			continue
		}
		if last.Valid {
			t := last.Time
			st.LastReadingAt = &t
		}
		d.State.Sensors[p] = st
		d.LatestReading.Values[p] = value
	}
	return rows.Err()
}

func (m *DeviceModel) RecordReading(ctx context.Context, r Reading, at time.Time) (*Device, error) {
	err := withTx(ctx, m.DB, func(tx DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE devices
			SET status = 'Online', last_contact_at = $2, reading_at = $3, updated_at = NOW()
			WHERE id = $1`, r.DeviceID, at, r.Timestamp)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrRecordNotFound
		}
		for _, p := range r.Present() {
			v, _ := r.Value(p)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO device_sensors (device_id, parameter, status, value, last_reading_at)
				VALUES ($1, $2, 'Online', $3, $4)
				ON CONFLICT (device_id, parameter) DO UPDATE SET
					status = 'Online',
					value = EXCLUDED.value,
					last_reading_at = EXCLUDED.last_reading_at`,
				r.DeviceID, p, v, at)
			if err != nil {
				return fmt.Errorf("upsert sensor %s: %w", p, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.Get(ctx, r.DeviceID)
}

func (m *DeviceModel) SetValve(ctx context.Context, id string, pos ValvePosition) error {
	query := `UPDATE devices SET valve = $2, commanded_valve = $2, updated_at = NOW() WHERE id = $1`
	res, err := m.DB.ExecContext(ctx, query, id, pos)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m *DeviceModel) SetPumpState(ctx context.Context, id string, command string, st PumpState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	query := `UPDATE devices SET pump_command = $2, pump_state = $3, updated_at = NOW() WHERE id = $1`
	res, err := m.DB.ExecContext(ctx, query, id, command, raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m *DeviceModel) SaveConfig(ctx context.Context, id string, cfg DeviceConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	res, err := m.DB.ExecContext(ctx, `UPDATE devices SET config = $2, updated_at = NOW() WHERE id = $1`, id, raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m *DeviceModel) MarkOffline(ctx context.Context, id string, contactBefore time.Time) (bool, error) {
	changed := false
	err := withTx(ctx, m.DB, func(tx DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE devices SET status = 'Offline', updated_at = NOW()
			WHERE id = $1 AND status = 'Online' AND last_contact_at < $2`, id, contactBefore)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		changed = true
		_, err = tx.ExecContext(ctx, `UPDATE device_sensors SET status = 'Offline', value = 0 WHERE device_id = $1`, id)
		return err
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (m *DeviceModel) MarkSensorOffline(ctx context.Context, id string, p Parameter, readingBefore time.Time) (bool, error) {
	query := `
		UPDATE device_sensors SET status = 'Offline', value = 0
		WHERE device_id = $1 AND parameter = $2 AND status = 'Online' AND last_reading_at < $3`
	res, err := m.DB.ExecContext(ctx, query, id, p, readingBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
