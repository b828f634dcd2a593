// Package commands carries valve and pump commands to devices and fans out
// state and alert events to subscribers.
package commands

import (
	"context"
	"errors"
	"time"
)

type Type string

const (
	TypeSetValve Type = "setValve"
	TypeSetPump  Type = "setPump"
)

const (
	PumpOn  = "ON"
	PumpOff = "OFF"
)

// Command is the payload published on a device's command channel.
type Command struct {
	Type       Type       `json:"type"`
	Value      string     `json:"value"`
	Phase      string     `json:"phase,omitempty"`
	ResumeTime *time.Time `json:"resumeTime,omitempty"`
	IssuedAt   time.Time  `json:"issuedAt"`
}

type EventKind string

const (
	EventState EventKind = "state"
	EventAlert EventKind = "alert"
)

// Event is a device state snapshot or alert change pushed to subscribers.
type Event struct {
	Kind     EventKind `json:"kind"`
	DeviceID string    `json:"deviceId"`
	Payload  any       `json:"payload"`
	At       time.Time `json:"at"`
}

// Sender delivers a command to one device. Delivery is fire-and-forget;
// repeating a command is harmless.
type Sender interface {
	Send(ctx context.Context, deviceID string, cmd Command) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, ev Event) error
}

// Fanout forwards events to every broadcaster and joins their errors.
type Fanout []Broadcaster

func NewFanout(bs ...Broadcaster) Fanout {
	out := make(Fanout, 0, len(bs))
	for _, b := range bs {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

func (f Fanout) Broadcast(ctx context.Context, ev Event) error {
	var errs []error
	for _, b := range f {
		if err := b.Broadcast(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards everything. Used when no channel is configured.
type Nop struct{}

func (Nop) Send(context.Context, string, Command) error { return nil }
func (Nop) Broadcast(context.Context, Event) error      { return nil }
