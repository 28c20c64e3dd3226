package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart        EventType = "start"
	EventOnline       EventType = "online"
	EventSubsystem    EventType = "subsystem"
	EventStop         EventType = "stop"
	EventExit         EventType = "exit"
	EventCrash        EventType = "crash"
	EventRestart      EventType = "restart"
	EventGiveUp       EventType = "give_up"
	EventTimeout      EventType = "timeout"
	EventSpawnFailure EventType = "spawn_failure"
)

// Record is the server state captured when an event happened.
type Record struct {
	Name     string `json:"name"`
	RunID    string `json:"run_id,omitempty"`
	PID      int    `json:"pid"`
	State    string `json:"state"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Restarts int    `json:"restarts"`
	Message  string `json:"message,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// ExitCodeValue returns the exit code or nil, for nullable columns.
func (r Record) ExitCodeValue() any {
	if r.ExitCode == nil {
		return nil
	}
	return int64(*r.ExitCode)
}
