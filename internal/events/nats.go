package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// ConnectTimeout bounds the initial dial
	ConnectTimeout = 10 * time.Second
	// ReconnectInterval is the wait between reconnect attempts
	ReconnectInterval = 5 * time.Second
	// MaxReconnectAttempts before the client gives up; -1 never gives up
	MaxReconnectAttempts = -1
)

// NATSPublisher publishes events to <prefix>.<event type>
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to NATS and returns a publisher
func NewNATSPublisher(natsURL, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("netvault"),
		nats.Timeout(ConnectTimeout),
		nats.ReconnectWait(ReconnectInterval),
		nats.MaxReconnects(MaxReconnectAttempts),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsURL, err)
	}

	logger.Info("NATS publisher initialized", "url", natsURL, "prefix", prefix)
	return NewNATSPublisherConn(conn, prefix, logger), nil
}

// NewNATSPublisherConn wraps an existing connection
func NewNATSPublisherConn(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Publish sends e with id, type and target headers
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if !p.IsReady() {
		return fmt.Errorf("NATS publisher not ready")
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	msg := nats.NewMsg(subject(p.prefix, e.Type))
	msg.Data = data
	msg.Header.Set("x-event-id", e.ID)
	msg.Header.Set("x-event-type", e.Type)
	if e.TargetID != "" {
		msg.Header.Set("x-target-id", e.TargetID)
	}
	msg.Header.Set("x-timestamp", fmt.Sprintf("%d", e.Time.UnixMilli()))

	select {
	case <-ctx.Done():
		return fmt.Errorf("publish timeout: %w", ctx.Err())
	default:
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Event published", "event_id", e.ID, "subject", msg.Subject)
	return nil
}

// IsReady reports whether the connection is up
func (p *NATSPublisher) IsReady() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close drains and closes the connection
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Drain()
	p.logger.Info("NATS publisher closed")
	return err
}
