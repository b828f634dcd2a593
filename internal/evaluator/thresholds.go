package evaluator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/technosupport/aquawatch/internal/data"
)

var ErrInvalidThresholds = errors.New("invalid thresholds")

// DefaultRange returns the provisioning thresholds for a range-based parameter.
func DefaultRange(p data.Parameter) *data.RangeThreshold {
	switch p {
	case data.ParamPH:
		return &data.RangeThreshold{CritLow: 6.0, WarnLow: 6.3, NormalLow: 6.5, NormalHigh: 8.0, WarnHigh: 8.5, CritHigh: 9.0}
	case data.ParamTemp:
		return &data.RangeThreshold{CritLow: 5, WarnLow: 10, NormalLow: 15, NormalHigh: 30, WarnHigh: 35, CritHigh: 40}
	}
	return nil
}

// DefaultCeiling returns the provisioning thresholds for a ceiling-based parameter.
func DefaultCeiling(p data.Parameter) *data.CeilingThreshold {
	switch p {
	case data.ParamTurbidity:
		return &data.CeilingThreshold{NormalLow: 0, NormalHigh: 1, Warn: 5, Crit: 10}
	case data.ParamTDS:
		return &data.CeilingThreshold{NormalLow: 50, NormalHigh: 500, Warn: 1000, Crit: 1200}
	}
	return nil
}

func DefaultThresholds() data.Thresholds {
	return data.Thresholds{
		PH:        DefaultRange(data.ParamPH),
		Temp:      DefaultRange(data.ParamTemp),
		Turbidity: DefaultCeiling(data.ParamTurbidity),
		TDS:       DefaultCeiling(data.ParamTDS),
	}
}

func DefaultShutOff() data.ShutOff {
	return data.ShutOff{PHLow: 6.0, PHHigh: 9.0, TurbidityCrit: 10, TDSCrit: 1200}
}

// DefaultConfig is the configuration given to a newly provisioned device.
func DefaultConfig() data.DeviceConfig {
	return data.DeviceConfig{
		Thresholds: DefaultThresholds(),
		Controls:   data.Controls{ShutOff: DefaultShutOff()},
	}
}

func rangeValues(r *data.RangeThreshold) []float64 {
	return []float64{r.CritLow, r.WarnLow, r.NormalLow, r.NormalHigh, r.WarnHigh, r.CritHigh}
}

func ceilingValues(c *data.CeilingThreshold) []float64 {
	return []float64{c.NormalLow, c.NormalHigh, c.Warn, c.Crit}
}

func strictlyIncreasing(vs []float64) bool {
	for i := 1; i < len(vs); i++ {
		if !(vs[i-1] < vs[i]) {
			return false
		}
	}
	return true
}

// ValidRange reports whether r is strictly ordered.
func ValidRange(r *data.RangeThreshold) bool {
	return r != nil && strictlyIncreasing(rangeValues(r))
}

// ValidCeiling reports whether c is strictly ordered.
func ValidCeiling(c *data.CeilingThreshold) bool {
	return c != nil && strictlyIncreasing(ceilingValues(c))
}

// ValidateThresholds checks ordering of every configured parameter. Absent
// parameters are not an error.
func ValidateThresholds(t data.Thresholds) error {
	var errs []error
	check := func(p data.Parameter, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s thresholds are not strictly increasing", ErrInvalidThresholds, p.Label()))
		}
	}
	if t.PH != nil {
		check(data.ParamPH, ValidRange(t.PH))
	}
	if t.Temp != nil {
		check(data.ParamTemp, ValidRange(t.Temp))
	}
	if t.Turbidity != nil {
		check(data.ParamTurbidity, ValidCeiling(t.Turbidity))
	}
	if t.TDS != nil {
		check(data.ParamTDS, ValidCeiling(t.TDS))
	}
	return errors.Join(errs...)
}

// NormalizeThresholds returns a corrected copy of t and a description of
// every change. Out-of-order values are sorted when that yields a strictly
// increasing set; otherwise the parameter default is used.
func NormalizeThresholds(t data.Thresholds) (data.Thresholds, []string) {
	var out data.Thresholds
	var corrections []string

	out.PH, corrections = normalizeRange(data.ParamPH, t.PH, corrections)
	out.Temp, corrections = normalizeRange(data.ParamTemp, t.Temp, corrections)
	out.Turbidity, corrections = normalizeCeiling(data.ParamTurbidity, t.Turbidity, corrections)
	out.TDS, corrections = normalizeCeiling(data.ParamTDS, t.TDS, corrections)
	return out, corrections
}

func normalizeRange(p data.Parameter, r *data.RangeThreshold, corrections []string) (*data.RangeThreshold, []string) {
	if r == nil {
		return nil, corrections
	}
	if ValidRange(r) {
		cp := *r
		return &cp, corrections
	}
	vs := rangeValues(r)
	sort.Float64s(vs)
	if strictlyIncreasing(vs) {
		return &data.RangeThreshold{CritLow: vs[0], WarnLow: vs[1], NormalLow: vs[2], NormalHigh: vs[3], WarnHigh: vs[4], CritHigh: vs[5]},
			append(corrections, fmt.Sprintf("%s thresholds reordered to %v", p.Label(), vs))
	}
	return DefaultRange(p), append(corrections, fmt.Sprintf("%s thresholds reset to defaults", p.Label()))
}

func normalizeCeiling(p data.Parameter, c *data.CeilingThreshold, corrections []string) (*data.CeilingThreshold, []string) {
	if c == nil {
		return nil, corrections
	}
	if ValidCeiling(c) {
		cp := *c
		return &cp, corrections
	}
	vs := ceilingValues(c)
	sort.Float64s(vs)
	if strictlyIncreasing(vs) {
		return &data.CeilingThreshold{NormalLow: vs[0], NormalHigh: vs[1], Warn: vs[2], Crit: vs[3]},
			append(corrections, fmt.Sprintf("%s thresholds reordered to %v", p.Label(), vs))
	}
	return DefaultCeiling(p), append(corrections, fmt.Sprintf("%s thresholds reset to defaults", p.Label()))
}

// shutOffInUse reports whether the shut-off limit for p drives a valve
// decision under c.
func shutOffInUse(c data.Controls, p data.Parameter) bool {
	return (c.ShutOff.Enabled && c.ShutOff.Triggered(p)) || (c.ReOpen.Enabled && c.ReOpen.Triggered(p))
}

// ValidateShutOff checks the shut-off limits that an enabled shut-off or
// re-open trigger relies on. pH needs phLow < phHigh; turbidity and TDS need
// a positive crit.
func ValidateShutOff(c data.Controls) error {
	var errs []error
	s := c.ShutOff
	if shutOffInUse(c, data.ParamPH) && !(s.PHLow < s.PHHigh) {
		errs = append(errs, fmt.Errorf("%w: shut-off phLow must be below phHigh", ErrInvalidThresholds))
	}
	if shutOffInUse(c, data.ParamTurbidity) && s.TurbidityCrit <= 0 {
		errs = append(errs, fmt.Errorf("%w: shut-off turbidityCrit must be positive", ErrInvalidThresholds))
	}
	if shutOffInUse(c, data.ParamTDS) && s.TDSCrit <= 0 {
		errs = append(errs, fmt.Errorf("%w: shut-off tdsCrit must be positive", ErrInvalidThresholds))
	}
	return errors.Join(errs...)
}

// NormalizeShutOff repairs the in-use shut-off limits. Reversed pH limits
// are swapped; equal or non-positive limits fall back to the defaults.
func NormalizeShutOff(c data.Controls) (data.ShutOff, []string) {
	s := c.ShutOff
	def := DefaultShutOff()
	var corrections []string
	if shutOffInUse(c, data.ParamPH) && !(s.PHLow < s.PHHigh) {
		if s.PHLow > s.PHHigh {
			s.PHLow, s.PHHigh = s.PHHigh, s.PHLow
			corrections = append(corrections, fmt.Sprintf("shut-off pH limits swapped to %v-%v", s.PHLow, s.PHHigh))
		} else {
			s.PHLow, s.PHHigh = def.PHLow, def.PHHigh
			corrections = append(corrections, "shut-off pH limits reset to defaults")
		}
	}
	if shutOffInUse(c, data.ParamTurbidity) && s.TurbidityCrit <= 0 {
		s.TurbidityCrit = def.TurbidityCrit
		corrections = append(corrections, "shut-off turbidity limit reset to default")
	}
	if shutOffInUse(c, data.ParamTDS) && s.TDSCrit <= 0 {
		s.TDSCrit = def.TDSCrit
		corrections = append(corrections, "shut-off TDS limit reset to default")
	}
	return s, corrections
}
