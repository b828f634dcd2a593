// Package mocks holds test doubles shared by package tests.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/technosupport/aquawatch/internal/audit"
	"github.com/technosupport/aquawatch/internal/commands"
	"github.com/technosupport/aquawatch/internal/data"
)

// MockDeviceRepo
type MockDeviceRepo struct {
	mock.Mock
}

func (m *MockDeviceRepo) Get(ctx context.Context, id string) (*data.Device, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.Device), args.Error(1)
}

func (m *MockDeviceRepo) List(ctx context.Context) ([]*data.Device, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*data.Device), args.Error(1)
}

func (m *MockDeviceRepo) RecordReading(ctx context.Context, r data.Reading, at time.Time) (*data.Device, error) {
	args := m.Called(ctx, r, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.Device), args.Error(1)
}

func (m *MockDeviceRepo) SetValve(ctx context.Context, id string, pos data.ValvePosition) error {
	return m.Called(ctx, id, pos).Error(0)
}

func (m *MockDeviceRepo) SetPumpState(ctx context.Context, id string, command string, st data.PumpState) error {
	return m.Called(ctx, id, command, st).Error(0)
}

func (m *MockDeviceRepo) SaveConfig(ctx context.Context, id string, cfg data.DeviceConfig) error {
	return m.Called(ctx, id, cfg).Error(0)
}

func (m *MockDeviceRepo) MarkOffline(ctx context.Context, id string, contactBefore time.Time) (bool, error) {
	args := m.Called(ctx, id, contactBefore)
	return args.Bool(0), args.Error(1)
}

func (m *MockDeviceRepo) MarkSensorOffline(ctx context.Context, id string, p data.Parameter, readingBefore time.Time) (bool, error) {
	args := m.Called(ctx, id, p, readingBefore)
	return args.Bool(0), args.Error(1)
}

// Recorder captures device log entries.
type Recorder struct {
	mu      sync.Mutex
	Entries []audit.Entry
	Err     error
}

func (r *Recorder) Write(_ context.Context, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Entries = append(r.Entries, e)
	return r.Err
}

func (r *Recorder) Snapshot() []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Entry(nil), r.Entries...)
}

// Channel captures commands and broadcasts.
type Channel struct {
	mu       sync.Mutex
	Commands []SentCommand
	Events   []commands.Event
	SendErr  error
}

type SentCommand struct {
	DeviceID string
	Command  commands.Command
}

func (c *Channel) Send(_ context.Context, deviceID string, cmd commands.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Commands = append(c.Commands, SentCommand{DeviceID: deviceID, Command: cmd})
	return c.SendErr
}

func (c *Channel) Broadcast(_ context.Context, ev commands.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Events = append(c.Events, ev)
	return nil
}

func (c *Channel) EventsOf(kind commands.EventKind) []commands.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []commands.Event
	for _, ev := range c.Events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
