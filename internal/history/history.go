package history

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EventType defines the kind of audit event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventCrash    EventType = "crash"
	EventRestart  EventType = "restart"
	EventBackup   EventType = "backup"
	EventUpdate   EventType = "update"
	EventSchedule EventType = "schedule"
)

// Event is a lifecycle or scheduling event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	ServerID   int64     `json:"server_id"`
	PID        int       `json:"pid,omitempty"`
	ScheduleID int64     `json:"schedule_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (audit log, analytics).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps events in memory. It backs tests and the daemon when no sink is configured.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType returns recorded events with the given type.
func (m *Memory) OfType(t EventType) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
