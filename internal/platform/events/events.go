// Package events records and distributes gateway operation events. Every
// successful modifying operation produces one OperationEvent, which is handed
// to a Dispatcher off the request path.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OperationEvent describes one completed gateway operation.
type OperationEvent struct {
	ID             string    `json:"id"`
	Operation      string    `json:"operation"`
	ResourceType   string    `json:"resource_type"`
	ResourceID     string    `json:"resource_id,omitempty"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
	PayloadSummary string    `json:"payload_summary,omitempty"`
}

// NewOperationEvent creates an event with a fresh id and timestamp.
func NewOperationEvent(operation, resourceType, resourceID, source string) OperationEvent {
	return OperationEvent{
		ID:           uuid.New().String(),
		Operation:    operation,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Source:       source,
		Timestamp:    time.Now().UTC(),
	}
}

// Dispatcher delivers operation events to a sink. Implementations must be
// safe for concurrent use; delivery failures are the sink's problem and never
// fail the originating operation.
type Dispatcher interface {
	Emit(ctx context.Context, ev OperationEvent) error
}

// ---------------------------------------------------------------------------
// Log dispatcher
// ---------------------------------------------------------------------------

// LogDispatcher writes events to the structured log. It is the default sink.
type LogDispatcher struct {
	log zerolog.Logger
}

// NewLogDispatcher creates a log-backed dispatcher.
func NewLogDispatcher(log zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Emit(_ context.Context, ev OperationEvent) error {
	d.log.Info().
		Str("event_id", ev.ID).
		Str("operation", ev.Operation).
		Str("resource_type", ev.ResourceType).
		Str("resource_id", ev.ResourceID).
		Str("source", ev.Source).
		Str("summary", ev.PayloadSummary).
		Msg("gateway operation")
	return nil
}

// ---------------------------------------------------------------------------
// Multi dispatcher
// ---------------------------------------------------------------------------

// MultiDispatcher fans one event out to several sinks. Emit returns the first
// error after attempting every sink.
type MultiDispatcher []Dispatcher

func (m MultiDispatcher) Emit(ctx context.Context, ev OperationEvent) error {
	var first error
	for _, d := range m {
		if err := d.Emit(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NopDispatcher discards events.
type NopDispatcher struct{}

func (NopDispatcher) Emit(context.Context, OperationEvent) error { return nil }
