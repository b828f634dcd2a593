package data

import (
	"context"
	"time"
)

type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "Online"
	StatusOffline DeviceStatus = "Offline"
)

type ValvePosition string

const (
	ValveOpen   ValvePosition = "OPEN"
	ValveClosed ValvePosition = "CLOSED"
)

const (
	PumpPhaseRunning = "running"
	PumpPhasePaused  = "paused"
)

// RangeThreshold bounds a parameter from both sides (pH, temp).
type RangeThreshold struct {
	CritLow    float64 `json:"critLow"`
	WarnLow    float64 `json:"warnLow"`
	NormalLow  float64 `json:"normalLow"`
	NormalHigh float64 `json:"normalHigh"`
	WarnHigh   float64 `json:"warnHigh"`
	CritHigh   float64 `json:"critHigh"`
}

// CeilingThreshold only bounds a parameter from above (turbidity, tds).
type CeilingThreshold struct {
	NormalLow  float64 `json:"normalLow"`
	NormalHigh float64 `json:"normalHigh"`
	Warn       float64 `json:"warn"`
	Crit       float64 `json:"crit"`
}

// Thresholds holds the alert limits. A nil entry means not configured.
type Thresholds struct {
	PH        *RangeThreshold   `json:"pH,omitempty"`
	Temp      *RangeThreshold   `json:"temp,omitempty"`
	Turbidity *CeilingThreshold `json:"turbidity,omitempty"`
	TDS       *CeilingThreshold `json:"tds,omitempty"`
}

// ShutOff governs automatic valve closure. Its limits are separate from the
// alert thresholds.
type ShutOff struct {
	Enabled          bool    `json:"enabled"`
	TriggerPH        bool    `json:"triggerPH"`
	TriggerTurbidity bool    `json:"triggerTurbidity"`
	TriggerTDS       bool    `json:"triggerTDS"`
	PHLow            float64 `json:"phLow"`
	PHHigh           float64 `json:"phHigh"`
	TurbidityCrit    float64 `json:"turbidityCrit"`
	TDSCrit          float64 `json:"tdsCrit"`
}

// Triggered reports whether the shut-off trigger for p is set.
func (s ShutOff) Triggered(p Parameter) bool {
	switch p {
	case ParamPH:
		return s.TriggerPH
	case ParamTurbidity:
		return s.TriggerTurbidity
	case ParamTDS:
		return s.TriggerTDS
	}
	return false
}

// ReOpen governs automatic valve re-opening. It reuses the ShutOff limits.
type ReOpen struct {
	Enabled          bool `json:"enabled"`
	TriggerPH        bool `json:"triggerPH"`
	TriggerTurbidity bool `json:"triggerTurbidity"`
	TriggerTDS       bool `json:"triggerTDS"`
}

func (r ReOpen) Triggered(p Parameter) bool {
	switch p {
	case ParamPH:
		return r.TriggerPH
	case ParamTurbidity:
		return r.TriggerTurbidity
	case ParamTDS:
		return r.TriggerTDS
	}
	return false
}

type PumpCycle struct {
	RunMinutes  int `json:"runMinutes"`
	RestMinutes int `json:"restMinutes"`
}

// Configured reports whether the device drives its pump on a cycle.
func (p PumpCycle) Configured() bool {
	return p.RunMinutes > 0
}

type Controls struct {
	ShutOff   ShutOff   `json:"shutOff"`
	ReOpen    ReOpen    `json:"reOpen"`
	PumpCycle PumpCycle `json:"pumpCycle"`
}

// AlertIntervals tunes the lifecycle sweeps per device. Zero values fall
// back to the server defaults.
type AlertIntervals struct {
	ActiveToRecentSeconds      int `json:"activeToRecent"`
	RecentToHistoryMinutes     int `json:"recentToHistory"`
	StaleActiveToRecentMinutes int `json:"staleActiveToRecent"`
}

type DeviceConfig struct {
	Thresholds Thresholds     `json:"thresholds"`
	Controls   Controls       `json:"controls"`
	Alerts     AlertIntervals `json:"alerts"`
}

type SensorState struct {
	Status        DeviceStatus `json:"status"`
	LastReadingAt *time.Time   `json:"lastReadingAt,omitempty"`
}

type PumpState struct {
	Phase    string     `json:"phase,omitempty"`
	Paused   bool       `json:"paused"`
	PausedAt *time.Time `json:"pausedAt,omitempty"`
	ResumeAt *time.Time `json:"resumeAt,omitempty"`
}

type CurrentState struct {
	Status        DeviceStatus              `json:"status"`
	LastContactAt *time.Time                `json:"lastContactAt,omitempty"`
	Valve         ValvePosition             `json:"valve"`
	Pump          PumpState                 `json:"pump"`
	Sensors       map[Parameter]SensorState `json:"sensors"`
}

// PendingCommands records what was last commanded, which may differ from
// the reported state until the device confirms.
type PendingCommands struct {
	Valve ValvePosition `json:"valve,omitempty"`
	Pump  string        `json:"pump,omitempty"`
}

type Device struct {
	ID            string          `json:"id"`
	Label         string          `json:"label"`
	Location      string          `json:"location,omitempty"`
	State         CurrentState    `json:"currentState"`
	LatestReading LatestReading   `json:"latestReading"`
	Commands      PendingCommands `json:"commands"`
	Config        DeviceConfig    `json:"configurations"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Originator is the label carried on alerts raised by this device.
func (d *Device) Originator() string {
	if d.Label != "" {
		return d.Label
	}
	return d.ID
}

// DeviceRepository defines persistence for devices and their sensors.
type DeviceRepository interface {
	Get(ctx context.Context, id string) (*Device, error)
	List(ctx context.Context) ([]*Device, error)

	// RecordReading marks the device and each reported sensor Online and
	// stores the present values. It returns the updated device.
	RecordReading(ctx context.Context, r Reading, at time.Time) (*Device, error)
	SetValve(ctx context.Context, id string, pos ValvePosition) error
	SetPumpState(ctx context.Context, id string, command string, st PumpState) error
	SaveConfig(ctx context.Context, id string, cfg DeviceConfig) error

	// MarkOffline flips an Online device whose last contact precedes
	// contactBefore to Offline, cascading to all sensors and zeroing the
	// latest values. Reports whether the transition happened.
	MarkOffline(ctx context.Context, id string, contactBefore time.Time) (bool, error)
	// MarkSensorOffline flips one Online sensor whose last reading precedes
	// readingBefore and zeroes its value.
	MarkSensorOffline(ctx context.Context, id string, p Parameter, readingBefore time.Time) (bool, error)
}
