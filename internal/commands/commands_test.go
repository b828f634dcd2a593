package commands

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	failures int
	subjects []string
	payloads [][]byte
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.failures > 0 {
		c.failures--
		return errors.New("nats: connection closed")
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestNATSPublisher_Send(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "aquawatch", 2, nil)

	require.NoError(t, p.Send(context.Background(), "dev-1", Command{Type: TypeSetValve, Value: "CLOSED"}))
	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "aquawatch.dev-1.commands", conn.subjects[0])

	var got Command
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	assert.Equal(t, TypeSetValve, got.Type)
	assert.Equal(t, "CLOSED", got.Value)
	assert.False(t, got.IssuedAt.IsZero())
}

func TestNATSPublisher_RetriesThenSucceeds(t *testing.T) {
	conn := &fakeConn{failures: 2}
	p := NewNATSPublisher(conn, "aquawatch", 2, nil)

	require.NoError(t, p.Broadcast(context.Background(), Event{Kind: EventAlert, DeviceID: "dev.1"}))
	assert.Equal(t, []string{"aquawatch.dev_1.alerts"}, conn.subjects)
}

func TestNATSPublisher_GivesUp(t *testing.T) {
	conn := &fakeConn{failures: 10}
	p := NewNATSPublisher(conn, "aquawatch", 1, nil)

	err := p.Send(context.Background(), "dev-1", Command{Type: TypeSetPump, Value: PumpOff})
	assert.Error(t, err)
	assert.Empty(t, conn.subjects)
}

type recordingBroadcaster struct {
	events []Event
	err    error
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := &recordingBroadcaster{}
	bad := &recordingBroadcaster{err: errors.New("hub closed")}
	f := NewFanout(ok, nil, bad)

	err := f.Broadcast(context.Background(), Event{Kind: EventState, DeviceID: "dev-1"})
	assert.ErrorContains(t, err, "hub closed")
	assert.Len(t, ok.events, 1)
	assert.Len(t, bad.events, 1)
}
