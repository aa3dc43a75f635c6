// Package history exports tenant lifecycle events to analytics stores.
package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventExit     EventType = "exit" // worker died without a stop request
	EventRestart  EventType = "restart"
	EventRegister EventType = "register"
	EventRemove   EventType = "remove"
	EventRotate   EventType = "credential_rotate"
)

// Record describes the worker the event is about.
type Record struct {
	TenantID  string `json:"tenant_id,omitempty"`
	Name      string `json:"name"`
	ProcessID string `json:"process_id,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Status    string `json:"status,omitempty"`
	Restarts  uint32 `json:"restarts,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ExitErr   string `json:"exit_err,omitempty"`
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

// Reader is implemented by sinks that can list what they stored.
type Reader interface {
	Recent(ctx context.Context, tenantID string, limit int) ([]Event, error)
}

// Multi fans an event out to several sinks. Every sink is attempted.
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

// Recent asks the first sink that implements Reader.
func (m Multi) Recent(ctx context.Context, tenantID string, limit int) ([]Event, error) {
	for _, s := range m {
		if r, ok := s.(Reader); ok {
			return r.Recent(ctx, tenantID, limit)
		}
	}
	return nil, nil
}

// Close closes every sink that has a Close method.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(t EventType, rec Record) Event {
	return Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}
}
