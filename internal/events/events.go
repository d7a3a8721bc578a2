// Package events fans NetVault events out to NATS, Redis and websocket
// subscribers.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ingenieroredes/netvault/internal/metrics"
)

// Event types
const (
	TypeFindingAlerting = "finding.alerting"
	TypeTargetDegraded  = "target.degraded"
	TypeTargetRecovered = "target.recovered"
	TypeAgentStale      = "agent.stale"
	TypeRunCompleted    = "run.completed"
)

// Event is the envelope published to every sink
type Event struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	TargetID string      `json:"target_id,omitempty"`
	Time     time.Time   `json:"time"`
	Payload  interface{} `json:"payload"`
}

// New builds an event with a fresh id
func New(eventType, targetID string, at time.Time, payload interface{}) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		TargetID: targetID,
		Time:     at,
		Payload:  payload,
	}
}

// Publisher delivers events to one sink
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type namedSink struct {
	name string
	pub  Publisher
}

// Multi fans an event out to every registered sink. A failing sink does not
// stop delivery to the others.
type Multi struct {
	sinks   []namedSink
	metrics *metrics.Metrics
	logger  *slog.Logger
	timeout time.Duration
}

// NewMulti creates an empty fan-out publisher
func NewMulti(m *metrics.Metrics, logger *slog.Logger) *Multi {
	return &Multi{metrics: m, logger: logger, timeout: 5 * time.Second}
}

// Add registers a sink under name
func (m *Multi) Add(name string, p Publisher) {
	m.sinks = append(m.sinks, namedSink{name: name, pub: p})
	m.logger.Info("Event sink registered", "sink", name)
}

// Sinks returns the registered sink names
func (m *Multi) Sinks() []string {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.name
	}
	return names
}

// Publish delivers e to every sink, each under its own timeout
func (m *Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := s.pub.Publish(sinkCtx, e)
		cancel()
		if err != nil {
			m.metrics.IncPublishError(s.name)
			m.logger.Warn("Failed to publish event",
				"sink", s.name,
				"event_type", e.Type,
				"event_id", e.ID,
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.pub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// subject joins the configured prefix and the event type
func subject(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}
