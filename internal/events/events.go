// Package events publishes pipeline lifecycle events for downstream consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TypeJobCompleted     = "job.completed"
	TypeVersionCommitted = "version.committed"
	TypeStageChanged     = "design.stage_changed"
	TypeReportCreated    = "compliance.report_created"
)

// Event is one lifecycle notification. Events of the same design share a partition key.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Type      string      `json:"type"`
	DesignID  uuid.UUID   `json:"designId"`
	VersionID *uuid.UUID  `json:"versionId,omitempty"`
	JobID     *uuid.UUID  `json:"jobId,omitempty"`
	Stage     string      `json:"stage,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	At        time.Time   `json:"at"`
}

// New stamps an event with an id and the current time.
func New(typ string, designID uuid.UUID) Event {
	return Event{ID: uuid.New(), Type: typ, DesignID: designID, At: time.Now().UTC()}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Memory keeps published events in order. Used by tests and local runs.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType filters published events by type.
func (m *Memory) OfType(typ string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
