package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/metrics"
)

// Conn is the subset of *nats.Conn used for publishing.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes commands on <prefix>.<device>.commands and events
// on <prefix>.<device>.state or <prefix>.<device>.alerts.
type NATSPublisher struct {
	conn       Conn
	prefix     string
	maxRetries int
	logger     *zap.Logger
}

func NewNATSPublisher(conn Conn, prefix string, maxRetries int, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{
		conn:       conn,
		prefix:     prefix,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

func (p *NATSPublisher) Subject(deviceID, suffix string) string {
	return p.prefix + "." + subjectReplacer.Replace(deviceID) + "." + suffix
}

func (p *NATSPublisher) Send(ctx context.Context, deviceID string, cmd Command) error {
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now().UTC()
	}
	return p.publish(ctx, p.Subject(deviceID, "commands"), cmd)
}

func (p *NATSPublisher) Broadcast(ctx context.Context, ev Event) error {
	suffix := "state"
	if ev.Kind == EventAlert {
		suffix = "alerts"
	}
	return p.publish(ctx, p.Subject(ev.DeviceID, suffix), ev)
}

func (p *NATSPublisher) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			return nil
		}
		p.logger.Debug("publish failed", zap.String("subject", subject), zap.Int("attempt", i+1), zap.Error(err))

		select {
		case <-ctx.Done():
			metrics.CommandPublishFailures.Inc()
			return ctx.Err()
		case <-time.After(time.Duration(i*100) * time.Millisecond):
		}
	}

	metrics.CommandPublishFailures.Inc()
	return fmt.Errorf("publish to %s failed after %d retries: %w", subject, p.maxRetries, err)
}
