package history

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventAttemptStart      EventType = "attempt_start"
	EventAttemptExit       EventType = "attempt_exit"
	EventRetriesExhausted  EventType = "retries_exhausted"
	EventHeartbeatStale    EventType = "heartbeat_stale"
	EventHeartbeatDegraded EventType = "heartbeat_degraded"
	EventMaintenanceSet    EventType = "maintenance_set"
	EventRestartTriggered  EventType = "restart_triggered"
)

// DefaultTable is the table (or index) events are written to.
const DefaultTable = "keepalive_events"

// publishTimeout bounds a single Send so a slow sink cannot stall the caller.
const publishTimeout = 5 * time.Second

// Event represents a supervisor or watchdog event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	// Source is the worker name for supervisor events and "watchdog" for
	// watchdog events.
	Source   string `json:"source"`
	Attempt  int    `json:"attempt,omitempty"`
	PID      int    `json:"pid,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Publish sends e to every sink. Failures are logged and never returned;
// history is best effort. Sends survive cancellation of ctx so that events
// recorded during shutdown are still delivered.
func Publish(ctx context.Context, log *slog.Logger, sinks []Sink, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil && log != nil {
			log.Warn("history sink send failed", "event", e.Type, "error", err)
		}
	}
}

// CloseAll closes every sink that holds resources.
func CloseAll(sinks []Sink) {
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// NullableExitCode converts an optional exit code for SQL drivers.
func NullableExitCode(code *int) any {
	if code == nil {
		return nil
	}
	return int64(*code)
}
