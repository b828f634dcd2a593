package data

import "time"

// Parameter identifies a water-quality probe on a device.
type Parameter string

const (
	ParamPH        Parameter = "pH"
	ParamTurbidity Parameter = "turbidity"
	ParamTDS       Parameter = "tds"
	ParamTemp      Parameter = "temp"
)

// Parameters lists every supported probe in display order.
var Parameters = []Parameter{ParamPH, ParamTurbidity, ParamTDS, ParamTemp}

// Label is the human name used in alert types and log details.
func (p Parameter) Label() string {
	switch p {
	case ParamPH:
		return "pH"
	case ParamTurbidity:
		return "Turbidity"
	case ParamTDS:
		return "TDS"
	case ParamTemp:
		return "Temperature"
	}
	return string(p)
}

// Valid reports whether p is a known parameter.
func (p Parameter) Valid() bool {
	switch p {
	case ParamPH, ParamTurbidity, ParamTDS, ParamTemp:
		return true
	}
	return false
}

// Reading is one ingest payload. Nil fields were not reported.
type Reading struct {
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
	PH        *float64  `json:"pH,omitempty"`
	Turbidity *float64  `json:"turbidity,omitempty"`
	TDS       *float64  `json:"tds,omitempty"`
	Temp      *float64  `json:"temp,omitempty"`
}

// Value returns the reported value for p.
func (r Reading) Value(p Parameter) (float64, bool) {
	var v *float64
	switch p {
	case ParamPH:
		v = r.PH
	case ParamTurbidity:
		v = r.Turbidity
	case ParamTDS:
		v = r.TDS
	case ParamTemp:
		v = r.Temp
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// Set stores v for p.
func (r *Reading) Set(p Parameter, v float64) {
	val := v
	switch p {
	case ParamPH:
		r.PH = &val
	case ParamTurbidity:
		r.Turbidity = &val
	case ParamTDS:
		r.TDS = &val
	case ParamTemp:
		r.Temp = &val
	}
}

// Present returns the parameters carried by the reading.
func (r Reading) Present() []Parameter {
	var out []Parameter
	for _, p := range Parameters {
		if _, ok := r.Value(p); ok {
			out = append(out, p)
		}
	}
	return out
}

// Merge overlays r on top of the snapshot. Absent parameters keep the
// snapshot value only while their sensor is Online; an Offline sensor's
// stored value is zeroed and is not a measurement.
func (r Reading) Merge(snapshot LatestReading, sensors map[Parameter]SensorState) Reading {
	out := Reading{DeviceID: r.DeviceID, Timestamp: r.Timestamp}
	for _, p := range Parameters {
		if v, ok := r.Value(p); ok {
			out.Set(p, v)
			continue
		}
		if sensors[p].Status != StatusOnline {
			continue
		}
		if v, ok := snapshot.Values[p]; ok {
			out.Set(p, v)
		}
	}
	return out
}

// LatestReading is the persisted per-device snapshot.
type LatestReading struct {
	Values    map[Parameter]float64 `json:"values"`
	Timestamp *time.Time            `json:"timestamp,omitempty"`
}
