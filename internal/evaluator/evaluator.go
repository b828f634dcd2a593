// Package evaluator classifies a single sensor value against a device's
// alert thresholds.
package evaluator

import (
	"fmt"

	"github.com/technosupport/aquawatch/internal/data"
)

const NoteValveShutOff = "Valve shut off"

type Result struct {
	Parameter data.Parameter `json:"parameter"`
	Value     float64        `json:"value"`
	Severity  data.Severity  `json:"severity"`
	Message   string         `json:"message"`
	Note      string         `json:"note,omitempty"`
}

// Evaluate returns the severity of value for p. Missing or invalid
// configuration never raises an alert: the result is Normal.
func Evaluate(p data.Parameter, value float64, cfg *data.DeviceConfig) Result {
	res := Result{Parameter: p, Value: value, Severity: data.SeverityNormal}
	if cfg == nil {
		res.Message = fmt.Sprintf("%s %.2f: no configuration, treated as normal", p.Label(), value)
		return res
	}

	switch p {
	case data.ParamPH, data.ParamTemp:
		t := cfg.Thresholds.PH
		if p == data.ParamTemp {
			t = cfg.Thresholds.Temp
		}
		if !ValidRange(t) {
			res.Message = fmt.Sprintf("%s %.2f: thresholds missing or invalid, treated as normal", p.Label(), value)
			break
		}
		res.Severity = classifyRange(value, t)
		res.Message = rangeMessage(p, value, res.Severity, t)
	case data.ParamTurbidity, data.ParamTDS:
		t := cfg.Thresholds.Turbidity
		if p == data.ParamTDS {
			t = cfg.Thresholds.TDS
		}
		if !ValidCeiling(t) {
			res.Message = fmt.Sprintf("%s %.2f: thresholds missing or invalid, treated as normal", p.Label(), value)
			break
		}
		res.Severity = classifyCeiling(value, t)
		res.Message = ceilingMessage(p, value, res.Severity, t)
	default:
		res.Message = fmt.Sprintf("unknown parameter %q, treated as normal", p)
		return res
	}

	if cfg.Controls.ShutOff.Enabled && cfg.Controls.ShutOff.Triggered(p) && BreachesShutOff(p, value, cfg.Controls.ShutOff) {
		res.Note = NoteValveShutOff
	}
	return res
}

// Critical bounds are inclusive on both sides.
func classifyRange(v float64, t *data.RangeThreshold) data.Severity {
	switch {
	case v <= t.CritLow || v >= t.CritHigh:
		return data.SeverityCritical
	case v <= t.WarnLow || v >= t.WarnHigh:
		return data.SeverityWarning
	}
	return data.SeverityNormal
}

// Exactly warn is Normal; exactly crit is Critical.
func classifyCeiling(v float64, t *data.CeilingThreshold) data.Severity {
	switch {
	case v >= t.Crit:
		return data.SeverityCritical
	case v > t.Warn:
		return data.SeverityWarning
	}
	return data.SeverityNormal
}

func rangeMessage(p data.Parameter, v float64, s data.Severity, t *data.RangeThreshold) string {
	switch s {
	case data.SeverityCritical:
		if v <= t.CritLow {
			return fmt.Sprintf("%s is critically low at %.2f (limit %.2f)", p.Label(), v, t.CritLow)
		}
		return fmt.Sprintf("%s is critically high at %.2f (limit %.2f)", p.Label(), v, t.CritHigh)
	case data.SeverityWarning:
		if v <= t.WarnLow {
			return fmt.Sprintf("%s is low at %.2f (warning %.2f)", p.Label(), v, t.WarnLow)
		}
		return fmt.Sprintf("%s is high at %.2f (warning %.2f)", p.Label(), v, t.WarnHigh)
	}
	return fmt.Sprintf("%s is normal at %.2f", p.Label(), v)
}

func ceilingMessage(p data.Parameter, v float64, s data.Severity, t *data.CeilingThreshold) string {
	switch s {
	case data.SeverityCritical:
		return fmt.Sprintf("%s is critically high at %.2f (limit %.2f)", p.Label(), v, t.Crit)
	case data.SeverityWarning:
		return fmt.Sprintf("%s is high at %.2f (warning %.2f)", p.Label(), v, t.Warn)
	}
	return fmt.Sprintf("%s is normal at %.2f", p.Label(), v)
}

// BreachesShutOff reports whether value is outside the shut-off limits for
// p. Temperature has no shut-off limit.
func BreachesShutOff(p data.Parameter, value float64, s data.ShutOff) bool {
	switch p {
	case data.ParamPH:
		return value < s.PHLow || value > s.PHHigh
	case data.ParamTurbidity:
		return value > s.TurbidityCrit
	case data.ParamTDS:
		return value > s.TDSCrit
	}
	return false
}
