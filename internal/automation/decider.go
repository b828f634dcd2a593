package automation

import (
	"github.com/technosupport/aquawatch/internal/data"
	"github.com/technosupport/aquawatch/internal/evaluator"
)

type Action string

const (
	ActionClose Action = "CLOSE"
	ActionOpen  Action = "OPEN"
	ActionNone  Action = "NONE"
)

type Decision struct {
	Action Action           `json:"action"`
	Causes []data.Parameter `json:"causes,omitempty"`
}

// shutOffParams are the parameters with shut-off limits.
var shutOffParams = []data.Parameter{data.ParamPH, data.ParamTurbidity, data.ParamTDS}

// Decide picks a valve action for the reading. r should be the device's full
// latest snapshot merged with the new values. Shut-off always wins over
// re-open. Re-open shares the shut-off limits.
func Decide(r data.Reading, d *data.Device) Decision {
	if d == nil {
		return Decision{Action: ActionNone}
	}
	ctl := d.Config.Controls

	var causes []data.Parameter
	if ctl.ShutOff.Enabled {
		for _, p := range shutOffParams {
			v, ok := r.Value(p)
			if ok && ctl.ShutOff.Triggered(p) && evaluator.BreachesShutOff(p, v, ctl.ShutOff) {
				causes = append(causes, p)
			}
		}
	}
	if len(causes) > 0 {
		if d.State.Valve == data.ValveOpen {
			return Decision{Action: ActionClose, Causes: causes}
		}
		return Decision{Action: ActionNone, Causes: causes}
	}

	if !ctl.ReOpen.Enabled || d.State.Valve != data.ValveClosed {
		return Decision{Action: ActionNone}
	}
	for _, p := range shutOffParams {
		if !ctl.ReOpen.Triggered(p) {
			continue
		}
		if v, ok := r.Value(p); ok && evaluator.BreachesShutOff(p, v, ctl.ShutOff) {
			return Decision{Action: ActionNone}
		}
	}
	return Decision{Action: ActionOpen}
}
